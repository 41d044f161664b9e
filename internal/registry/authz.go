package registry

import "github.com/coordinatr/mergequeue/internal/prmodel"

// Command names consulted by MayCommand. Defined here (rather than
// internal/command) so the registry's authorization boundary doesn't
// depend on the interpreter package.
const (
	CommandLand       = "land"
	CommandCanary     = "canary"
	CommandCancel     = "cancel"
	CommandCherryPick = "cherry-pick"
	CommandPriority   = "priority"
	CommandHelp       = "help"
)

// Authorizer answers whether a forge user has write access to a repo, the
// way the forge's collaborator-permission API does. Consumed, not owned,
// by the registry, following the same capability-interface pattern as
// internal/forge.Client.
type Authorizer interface {
	HasWriteAccess(repoID, login string) bool
}

// MayCommand implements the authorization predicate: the user must have
// write access, OR be on the repo's maintainer allow-list (a per-repo
// config override for when the forge's collaborator-permission API is slow
// or wrong), OR be the PR's author issuing a "cancel" (the only command an
// author may self-serve without write access).
func MayCommand(authz Authorizer, maintainers []string, user, command string, pr *prmodel.PR) bool {
	if pr == nil {
		return false
	}
	if authz.HasWriteAccess(pr.RepoID, user) {
		return true
	}
	for _, m := range maintainers {
		if m == user {
			return true
		}
	}
	return command == CommandCancel && user == pr.Author
}
