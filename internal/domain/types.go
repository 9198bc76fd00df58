package domain

import "strings"

// TypeName is the canonical, alias-resolved name of an entity kind.
type TypeName string

const (
	TypeProject                    TypeName = "Project"
	TypeUser                       TypeName = "User"
	TypeProjectMember              TypeName = "ProjectMember"
	TypeLabel                      TypeName = "Label"
	TypeLabelLink                  TypeName = "LabelLink"
	TypeLabelPriority              TypeName = "LabelPriority"
	TypeMilestone                  TypeName = "Milestone"
	TypeIssue                      TypeName = "Issue"
	TypeNote                       TypeName = "Note"
	TypeResourceLabelEvent         TypeName = "ResourceLabelEvent"
	TypeDesign                     TypeName = "Design"
	TypeEpic                       TypeName = "Epic"
	TypeEpicIssue                  TypeName = "EpicIssue"
	TypeMergeRequest               TypeName = "MergeRequest"
	TypeMergeRequestDiff           TypeName = "MergeRequestDiff"
	TypeMergeRequestDiffCommit     TypeName = "MergeRequestDiffCommit"
	TypeMergeRequestDiffCommitUser TypeName = "MergeRequestDiffCommitUser"
	TypeApproval                   TypeName = "Approval"
	TypePipeline                   TypeName = "Pipeline"
	TypeStage                      TypeName = "Stage"
	TypeBuild                      TypeName = "Build"
	TypeTrigger                    TypeName = "Trigger"
	TypeProtectedBranch            TypeName = "ProtectedBranch"
	TypeMergeAccessLevel           TypeName = "MergeAccessLevel"
	TypePushAccessLevel            TypeName = "PushAccessLevel"
)

// Namespace kinds
const (
	NamespaceGroup = "Group"
	NamespaceUser  = "User"
)

// Label kinds stored in labels.type
const (
	LabelKindProject = "ProjectLabel"
	LabelKindGroup   = "GroupLabel"
)

// Member source kinds stored in members.source_type
const (
	MemberSourceProject   = "Project"
	MemberSourceNamespace = "Namespace"
)

// IdealSpacing is the gap left between recomputed relative positions.
const IdealSpacing = 512

// ExternalProjectID marks a fork source that lives outside the destination.
const ExternalProjectID int64 = -1

// AccessLevel is a membership permission level.
type AccessLevel int

const (
	NoAccess   AccessLevel = 0
	Guest      AccessLevel = 10
	Reporter   AccessLevel = 20
	Developer  AccessLevel = 30
	Maintainer AccessLevel = 40
	Owner      AccessLevel = 50
)

func (a AccessLevel) String() string {
	switch a {
	case NoAccess:
		return "no_access"
	case Guest:
		return "guest"
	case Reporter:
		return "reporter"
	case Developer:
		return "developer"
	case Maintainer:
		return "maintainer"
	case Owner:
		return "owner"
	default:
		return "unknown"
	}
}

// Clamp caps the level at ceiling.
func (a AccessLevel) Clamp(ceiling AccessLevel) AccessLevel {
	if a > ceiling {
		return ceiling
	}
	return a
}

// Pipeline statuses. Only the importable set survives an import.
const (
	StatusSuccess  = "success"
	StatusFailed   = "failed"
	StatusCanceled = "canceled"
	StatusSkipped  = "skipped"
	StatusManual   = "manual"
)

var importableStatuses = map[string]bool{
	StatusSuccess:  true,
	StatusFailed:   true,
	StatusCanceled: true,
	StatusSkipped:  true,
	StatusManual:   true,
}

// NormalizeStatus collapses any status outside the importable set to canceled.
func NormalizeStatus(status string) string {
	s := strings.ToLower(strings.TrimSpace(status))
	if importableStatuses[s] {
		return s
	}
	return StatusCanceled
}

// Namespace is a group or personal namespace in the destination.
type Namespace struct {
	ID                   int64
	Name                 string
	Path                 string
	Type                 string
	ParentID             *int64
	VisibilityLevel      int
	SharedRunnersEnabled bool
}

// IsGroup reports whether the namespace is a group.
func (n *Namespace) IsGroup() bool {
	return n.Type == NamespaceGroup
}

// Project is the root object of a bundle.
type Project struct {
	ID                         int64
	Name                       string
	Path                       string
	NamespaceID                int64
	Description                string
	VisibilityLevel            int
	SharedRunnersEnabled       bool
	MergeRequestsFFOnlyEnabled bool
	CreatedAt                  string
	UpdatedAt                  string
}

// User is an identity in the destination instance.
type User struct {
	ID       int64
	Username string
	Email    string
	Name     string
	Admin    bool
	Ghost    bool
}

// Member grants a user access to a project or namespace.
type Member struct {
	ID          int64
	SourceType  string
	SourceID    int64
	UserID      int64
	AccessLevel AccessLevel
}

// Entity is a reconciled record in destination space.
type Entity struct {
	Type       TypeName
	Table      string
	ID         int64
	SourceID   int64
	Attributes map[string]any

	// Reused is set when an existing destination row was matched
	// instead of creating a new one.
	Reused bool
}

// ProjectID returns the entity's project scope, or 0 when it has none.
func (e *Entity) ProjectID() int64 {
	return attrInt(e.Attributes, "project_id")
}

// GroupID returns the entity's group scope, or 0 when it has none.
func (e *Entity) GroupID() int64 {
	return attrInt(e.Attributes, "group_id")
}

func attrInt(attrs map[string]any, key string) int64 {
	v, ok := ToInt64(attrs[key])
	if !ok {
		return 0
	}
	return v
}

// ToInt64 converts the numeric shapes produced by JSON decoding and SQL scans.
func ToInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case float64:
		return int64(n), true
	case float32:
		return int64(n), true
	case bool:
		if n {
			return 1, true
		}
		return 0, true
	default:
		return 0, false
	}
}

// IdentityMap maps source-space user ids to destination users.
type IdentityMap map[int64]int64

// Lookup returns the destination user for a source user id.
func (m IdentityMap) Lookup(sourceUserID int64) (int64, bool) {
	id, ok := m[sourceUserID]
	return id, ok
}
