package reconcile

import (
	"github.com/lherron/graphport/internal/domain"
)

// aliases maps every wire-format relation or type name ever written by an
// exporter onto its canonical type.
var aliases = map[string]domain.TypeName{
	"project":      domain.TypeProject,
	"projects":     domain.TypeProject,
	"user":         domain.TypeUser,
	"users":        domain.TypeUser,
	"author":       domain.TypeUser,
	"owner":        domain.TypeUser,

	"project_members": domain.TypeProjectMember,
	"members":         domain.TypeProjectMember,

	"labels":      domain.TypeLabel,
	"label":       domain.TypeLabel,
	"group_label": domain.TypeLabel,
	"label_links": domain.TypeLabelLink,
	"priorities":  domain.TypeLabelPriority,

	"milestones":        domain.TypeMilestone,
	"milestone":         domain.TypeMilestone,
	"project_milestone": domain.TypeMilestone,

	"issues": domain.TypeIssue,

	"notes":               domain.TypeNote,
	"commit_notes":        domain.TypeNote,
	"merge_request_notes": domain.TypeNote,
	"issue_notes":         domain.TypeNote,

	"resource_label_events": domain.TypeResourceLabelEvent,

	"designs":                   domain.TypeDesign,
	"design_management_designs": domain.TypeDesign,
	"DesignManagement::Design":  domain.TypeDesign,

	"epic":       domain.TypeEpic,
	"epics":      domain.TypeEpic,
	"epic_issue": domain.TypeEpicIssue,

	"merge_requests":             domain.TypeMergeRequest,
	"merge_request":              domain.TypeMergeRequest,
	"merge_request_diff":         domain.TypeMergeRequestDiff,
	"merge_request_diff_commits": domain.TypeMergeRequestDiffCommit,
	"commit_author":              domain.TypeMergeRequestDiffCommitUser,
	"committer":                  domain.TypeMergeRequestDiffCommitUser,
	"approvals":                  domain.TypeApproval,

	"pipelines":    domain.TypePipeline,
	"ci_pipelines": domain.TypePipeline,
	"Ci::Pipeline": domain.TypePipeline,
	"stages":       domain.TypeStage,
	"statuses":     domain.TypeBuild,
	"builds":       domain.TypeBuild,
	"Ci::Build":    domain.TypeBuild,
	"triggers":     domain.TypeTrigger,

	"protected_branches":  domain.TypeProtectedBranch,
	"merge_access_levels": domain.TypeMergeAccessLevel,
	"push_access_levels":  domain.TypePushAccessLevel,
}

// Canonical resolves a wire-format name to its canonical type. Unknown
// names mean the bundle was produced by an exporter this build does not
// understand.
func Canonical(name string) (domain.TypeName, error) {
	if t, ok := aliases[name]; ok {
		return t, nil
	}
	return "", &domain.SchemaError{Path: name, Reason: "unknown relation"}
}
