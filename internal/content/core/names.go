package core

// Well-known item names.
const (
	JcrPrimaryType    = "jcr:primaryType"
	JcrMixinTypes     = "jcr:mixinTypes"
	JcrUUID           = "jcr:uuid"
	JcrCreated        = "jcr:created"
	JcrCreatedBy      = "jcr:createdBy"
	JcrLastModified   = "jcr:lastModified"
	JcrLastModifiedBy = "jcr:lastModifiedBy"
	JcrContent        = "jcr:content"
	JcrData           = "jcr:data"
	JcrMimeType       = "jcr:mimeType"
	JcrEncoding       = "jcr:encoding"
	JcrTitle          = "jcr:title"
	JcrDescription    = "jcr:description"
	JcrLanguage       = "jcr:language"
	JcrEtag           = "jcr:etag"
	JcrLockOwner      = "jcr:lockOwner"
	JcrLockIsDeep     = "jcr:lockIsDeep"
	JcrIsCheckedOut   = "jcr:isCheckedOut"
	JcrVersionHistory = "jcr:versionHistory"
	JcrBaseVersion    = "jcr:baseVersion"
	JcrPredecessors   = "jcr:predecessors"
	JcrMergeFailed    = "jcr:mergeFailed"
	JcrActivity       = "jcr:activity"
	JcrConfiguration  = "jcr:configuration"
	JcrRootVersion    = "jcr:rootVersion"
	JcrScore          = "jcr:score"
	JcrPath           = "jcr:path"
	JcrName           = "jcr:name"
)

// Builtin node type names.
const (
	NTBase               = "nt:base"
	NTUnstructured       = "nt:unstructured"
	NTHierarchyNode      = "nt:hierarchyNode"
	NTFolder             = "nt:folder"
	NTFile               = "nt:file"
	NTLinkedFile         = "nt:linkedFile"
	NTResource           = "nt:resource"
	NTAddress            = "nt:address"
	MixReferenceable     = "mix:referenceable"
	MixLockable          = "mix:lockable"
	MixSimpleVersionable = "mix:simpleVersionable"
	MixVersionable       = "mix:versionable"
	MixCreated           = "mix:created"
	MixLastModified      = "mix:lastModified"
	MixTitle             = "mix:title"
	MixMimeType          = "mix:mimeType"
	MixLanguage          = "mix:language"
	MixEtag              = "mix:etag"
	RepRoot              = "rep:root"
)
