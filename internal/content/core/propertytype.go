package core

// PropertyType is the type tag of a property or value. The numeric codes are
// part of the external contract and must not change.
type PropertyType int

const (
	TypeUndefined     PropertyType = 0
	TypeString        PropertyType = 1
	TypeBinary        PropertyType = 2
	TypeLong          PropertyType = 3
	TypeDouble        PropertyType = 4
	TypeDate          PropertyType = 5
	TypeBoolean       PropertyType = 6
	TypeName          PropertyType = 7
	TypePath          PropertyType = 8
	TypeReference     PropertyType = 9
	TypeWeakReference PropertyType = 10
	TypeURI           PropertyType = 11
	TypeDecimal       PropertyType = 12
)

var propertyTypeNames = [...]string{
	TypeUndefined:     "undefined",
	TypeString:        "String",
	TypeBinary:        "Binary",
	TypeLong:          "Long",
	TypeDouble:        "Double",
	TypeDate:          "Date",
	TypeBoolean:       "Boolean",
	TypeName:          "Name",
	TypePath:          "Path",
	TypeReference:     "Reference",
	TypeWeakReference: "WeakReference",
	TypeURI:           "URI",
	TypeDecimal:       "Decimal",
}

// NameFromValue returns the name of a property type code.
func NameFromValue(code int) (string, error) {
	if code < 0 || code >= len(propertyTypeNames) {
		return "", Errorf(ErrInvalidArgument, "PropertyType.NameFromValue", "", "unknown property type code %d", code)
	}
	return propertyTypeNames[code], nil
}

// ValueFromName returns the property type with the given name. Matching is
// exact; "undefined" maps to TypeUndefined.
func ValueFromName(name string) (PropertyType, error) {
	for code, n := range propertyTypeNames {
		if n == name {
			return PropertyType(code), nil
		}
	}
	return TypeUndefined, Errorf(ErrInvalidArgument, "PropertyType.ValueFromName", "", "unknown property type name %q", name)
}

func (t PropertyType) String() string {
	if t < 0 || int(t) >= len(propertyTypeNames) {
		return "unknown"
	}
	return propertyTypeNames[t]
}

// Valid reports whether t is one of the defined codes.
func (t PropertyType) Valid() bool {
	return t >= TypeUndefined && t <= TypeDecimal
}

// IsReference reports whether t is REFERENCE or WEAKREFERENCE.
func (t PropertyType) IsReference() bool {
	return t == TypeReference || t == TypeWeakReference
}

// MarshalText encodes the type by name so YAML and JSON documents stay
// readable.
func (t PropertyType) MarshalText() ([]byte, error) {
	name, err := NameFromValue(int(t))
	if err != nil {
		return nil, err
	}
	return []byte(name), nil
}

// UnmarshalText accepts a property type name.
func (t *PropertyType) UnmarshalText(b []byte) error {
	v, err := ValueFromName(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// ImportUUIDBehavior controls identifier collisions during XML import. The
// importer itself lives outside this module; the codes are shared contract.
type ImportUUIDBehavior int

const (
	ImportUUIDCreateNew                ImportUUIDBehavior = 0
	ImportUUIDCollisionRemoveExisting  ImportUUIDBehavior = 1
	ImportUUIDCollisionReplaceExisting ImportUUIDBehavior = 2
	ImportUUIDCollisionThrow           ImportUUIDBehavior = 3
)
