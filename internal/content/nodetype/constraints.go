package nodetype

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/systemshift/contentrepo/internal/content/core"
)

// CheckValueConstraints verifies values against the definition's value
// constraints. A value passes when it satisfies at least one constraint.
// STRING, URI, NAME and PATH constraints are regular expressions matching the
// whole value; LONG, DOUBLE, DECIMAL and DATE constraints are ranges such as
// "[0,10)" or "(,100]"; BOOLEAN constraints are literals. Reference
// constraints name node types and are checked by the caller.
func CheckValueConstraints(def PropertyDefinition, values []core.ValueData) error {
	if len(def.ValueConstraints) == 0 {
		return nil
	}
	for _, v := range values {
		ok, err := satisfiesAny(def.ValueConstraints, v)
		if err != nil {
			return err
		}
		if !ok {
			return core.Errorf(core.ErrConstraintViolation, "nodetype.CheckValueConstraints", def.Name,
				"value %q violates the value constraints", v.Text())
		}
	}
	return nil
}

func satisfiesAny(constraints []string, v core.ValueData) (bool, error) {
	for _, c := range constraints {
		ok, err := satisfies(c, v)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

func satisfies(constraint string, v core.ValueData) (bool, error) {
	switch v.Type {
	case core.TypeString, core.TypeURI, core.TypeName, core.TypePath:
		re, err := regexp.Compile("^(?:" + constraint + ")$")
		if err != nil {
			return false, core.Wrap(core.ErrConstraintViolation, "nodetype.CheckValueConstraints", constraint, err)
		}
		return re.MatchString(v.Str), nil
	case core.TypeLong, core.TypeDouble, core.TypeDecimal, core.TypeDate:
		return inRange(constraint, v)
	case core.TypeBoolean:
		return strings.EqualFold(constraint, v.Str), nil
	case core.TypeBinary:
		// constraint is a length range
		return inRange(constraint, core.ValueData{Type: core.TypeLong, Str: strconv.FormatInt(v.Length(), 10)})
	}
	return true, nil
}

func inRange(constraint string, v core.ValueData) (bool, error) {
	c := strings.TrimSpace(constraint)
	if len(c) < 3 {
		return false, core.Errorf(core.ErrConstraintViolation, "nodetype.CheckValueConstraints", constraint, "malformed range")
	}
	lowIncl := c[0] == '['
	highIncl := c[len(c)-1] == ']'
	if (!lowIncl && c[0] != '(') || (!highIncl && c[len(c)-1] != ')') {
		return false, core.Errorf(core.ErrConstraintViolation, "nodetype.CheckValueConstraints", constraint, "malformed range")
	}
	low, high, found := strings.Cut(c[1:len(c)-1], ",")
	if !found {
		return false, core.Errorf(core.ErrConstraintViolation, "nodetype.CheckValueConstraints", constraint, "malformed range")
	}
	if low = strings.TrimSpace(low); low != "" {
		cmp, err := core.Compare(v, core.ValueData{Type: core.TypeString, Str: low})
		if err != nil {
			return false, err
		}
		if cmp < 0 || (cmp == 0 && !lowIncl) {
			return false, nil
		}
	}
	if high = strings.TrimSpace(high); high != "" {
		cmp, err := core.Compare(v, core.ValueData{Type: core.TypeString, Str: high})
		if err != nil {
			return false, err
		}
		if cmp > 0 || (cmp == 0 && !highIncl) {
			return false, nil
		}
	}
	return true, nil
}

