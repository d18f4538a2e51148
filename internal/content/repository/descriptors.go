package repository

import (
	"slices"
	"strconv"

	"github.com/systemshift/contentrepo/internal/content/query"
)

// Descriptor keys.
const (
	SpecVersionDesc               = "jcr.specification.version"
	SpecNameDesc                  = "jcr.specification.name"
	RepNameDesc                   = "jcr.repository.name"
	RepVendorDesc                 = "jcr.repository.vendor"
	RepVersionDesc                = "jcr.repository.version"
	OptionVersioningSupported     = "option.versioning.supported"
	OptionSimpleVersioning        = "option.simple.versioning.supported"
	OptionLockingSupported        = "option.locking.supported"
	OptionQuerySQLSupported       = "option.query.sql.supported"
	OptionTransactionsSupported   = "option.transactions.supported"
	OptionObservationSupported    = "option.observation.supported"
	OptionXMLImportSupported      = "option.xml.import.supported"
	OptionWorkspaceManagement     = "option.workspace.management.supported"
	OptionUpdateMixinTypes        = "option.update.mixin.node.types.supported"
	OptionUpdatePrimaryType       = "option.update.primary.node.type.supported"
	OptionNodeTypeManagement      = "option.node.type.management.supported"
	OptionShareableNodes          = "option.shareable.nodes.supported"
	OptionActivities              = "option.activities.supported"
	QueryLanguages                = "query.languages"
	QueryFullTextSearchSupported  = "query.full.text.search.supported"
	QueryJoins                    = "query.joins"
	NodeTypeSameNameSiblings      = "node.type.management.same.name.siblings.supported"
	NodeTypeMultipleBinaryProps   = "node.type.management.multiple.binary.properties.supported"
	NodeTypeOrderableChildNodes   = "node.type.management.orderable.child.nodes.supported"
	IdentifierStability           = "identifier.stability"
	IdentifierStabilityIndefinite = "identifier.stability.indefinite.duration"
)

// Version is reported under RepVersionDesc.
const Version = "0.1.0"

var descriptors = map[string]string{
	SpecVersionDesc:               "2.0",
	SpecNameDesc:                  "Content Repository for Java Technology API",
	RepNameDesc:                   "contentrepo",
	RepVendorDesc:                 "systemshift",
	RepVersionDesc:                Version,
	OptionVersioningSupported:     "true",
	OptionSimpleVersioning:        "true",
	OptionLockingSupported:        "true",
	OptionQuerySQLSupported:       "false",
	OptionTransactionsSupported:   "false",
	OptionObservationSupported:    "false",
	OptionXMLImportSupported:      "false",
	OptionWorkspaceManagement:     "true",
	OptionUpdateMixinTypes:        "true",
	OptionUpdatePrimaryType:       "true",
	OptionNodeTypeManagement:      "true",
	OptionShareableNodes:          "false",
	OptionActivities:              "false",
	QueryLanguages:                query.LanguageSQL2,
	QueryFullTextSearchSupported:  "true",
	QueryJoins:                    "query.joins.inner.outer",
	NodeTypeSameNameSiblings:      "true",
	NodeTypeMultipleBinaryProps:   "true",
	NodeTypeOrderableChildNodes:   "true",
	IdentifierStability:           IdentifierStabilityIndefinite,
}

// Descriptor returns the value of a repository descriptor.
func (r *Repository) Descriptor(key string) (string, bool) {
	v, ok := descriptors[key]
	return v, ok
}

// DescriptorKeys lists every descriptor key, sorted.
func (r *Repository) DescriptorKeys() []string {
	keys := make([]string, 0, len(descriptors))
	for k := range descriptors {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// IsStandardDescriptor reports whether key is defined by the JCR
// specification rather than by this implementation.
func IsStandardDescriptor(key string) bool {
	_, ok := descriptors[key]
	return ok
}

// IsTrueDescriptor reports whether a boolean descriptor is set.
func (r *Repository) IsTrueDescriptor(key string) bool {
	v, ok := descriptors[key]
	if !ok {
		return false
	}
	b, err := strconv.ParseBool(v)
	return err == nil && b
}
