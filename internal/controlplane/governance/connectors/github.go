package connectors

import (
	"context"
	"fmt"

	"github.com/google/go-github/v68/github"

	"github.com/marcus-qen/legator/internal/controlplane/governance/dispatch"
)

// GitHubPlan is the expected shape of a step's plan when dispatched through
// the github connector: comment on, or merge, a pull request.
type GitHubPlan struct {
	Owner     string `json:"owner"`
	Repo      string `json:"repo"`
	PRNumber  int    `json:"pr_number"`
	Comment   string `json:"comment,omitempty"`
	MergeOnly bool   `json:"merge_only,omitempty"`
}

// GitHubConnector dispatches governed actions against pull requests.
type GitHubConnector struct {
	gh *github.Client
}

// NewGitHubConnector builds a GitHub connector authenticated with a
// personal access token.
func NewGitHubConnector(token string) *GitHubConnector {
	return &GitHubConnector{gh: github.NewClient(nil).WithAuthToken(token)}
}

// ConnectorName identifies this handler in the dispatch registry.
func (g *GitHubConnector) ConnectorName() string { return "github" }

// Dispatch comments on, and optionally merges, the pull request named by
// the step's plan.
func (g *GitHubConnector) Dispatch(ctx context.Context, req dispatch.StepRequest) (any, error) {
	plan, ok := req.Plan.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("github dispatch: plan is not a map")
	}
	owner, _ := plan["owner"].(string)
	repo, _ := plan["repo"].(string)
	prNumberF, _ := plan["pr_number"].(float64)
	prNumber := int(prNumberF)
	comment, _ := plan["comment"].(string)
	mergeOnly, _ := plan["merge_only"].(bool)

	if owner == "" || repo == "" || prNumber == 0 {
		return nil, fmt.Errorf("github dispatch: owner, repo, and pr_number are required")
	}

	if req.DryRun {
		return map[string]any{"dry_run": true, "owner": owner, "repo": repo, "pr_number": prNumber}, nil
	}

	if comment != "" {
		if _, _, err := g.gh.Issues.CreateComment(ctx, owner, repo, prNumber, &github.IssueComment{
			Body: github.Ptr(comment),
		}); err != nil {
			return nil, fmt.Errorf("github create comment: %w", err)
		}
	}

	if mergeOnly {
		result, _, err := g.gh.PullRequests.Merge(ctx, owner, repo, prNumber, "", &github.PullRequestOptions{})
		if err != nil {
			return nil, fmt.Errorf("github merge: %w", err)
		}
		return map[string]any{"merged": result.GetMerged(), "sha": result.GetSHA()}, nil
	}

	return map[string]any{"owner": owner, "repo": repo, "pr_number": prNumber, "commented": comment != ""}, nil
}

// HealthCheck calls the authenticated user endpoint to confirm the token
// is still valid.
func (g *GitHubConnector) HealthCheck(ctx context.Context) (bool, string) {
	if _, _, err := g.gh.Users.Get(ctx, ""); err != nil {
		return false, err.Error()
	}
	return true, ""
}
