package github

import "time"

// PRInfo is the summary shape returned for create/update/list operations.
type PRInfo struct {
	Number    int       `json:"number"`
	Title     string    `json:"title"`
	URL       string    `json:"url"`
	State     string    `json:"state"`
	Head      string    `json:"head,omitempty"`
	Base      string    `json:"base,omitempty"`
	Draft     bool      `json:"draft,omitempty"`
	CreatedAt time.Time `json:"createdAt,omitempty"`
}

// PRFile is one changed file in a pull request.
type PRFile struct {
	Path      string `json:"path"`
	Status    string `json:"status"`
	Additions int    `json:"additions"`
	Deletions int    `json:"deletions"`
}

// PRReview is a pull-request review.
type PRReview struct {
	ID     int64  `json:"id"`
	Author string `json:"author,omitempty"`
	State  string `json:"state"`
	Body   string `json:"body,omitempty"`
}

// PRComment is a review comment attached to a diff position.
type PRComment struct {
	ID       int64  `json:"id"`
	ReviewID int64  `json:"reviewId,omitempty"`
	Author   string `json:"author,omitempty"`
	Path     string `json:"path,omitempty"`
	Body     string `json:"body"`
}

// CheckRun is one CI check run on the PR head.
type CheckRun struct {
	Name       string `json:"name"`
	Status     string `json:"status"`
	Conclusion string `json:"conclusion,omitempty"`
	URL        string `json:"url,omitempty"`
}

// Inspection is the composed result of inspect-pull-request.
type Inspection struct {
	PR                PRInfo      `json:"pr"`
	Body              string      `json:"body,omitempty"`
	Files             []PRFile    `json:"files"`
	FilesTruncated    bool        `json:"filesTruncated,omitempty"`
	Reviews           []PRReview  `json:"reviews"`
	Comments          []PRComment `json:"comments"`
	CommentsTruncated bool        `json:"commentsTruncated,omitempty"`
	CombinedStatus    string      `json:"combinedStatus,omitempty"`
	CheckRuns         []CheckRun  `json:"checkRuns"`
	ChecksTruncated   bool        `json:"checksTruncated,omitempty"`
}

// RepoInfo is one repository visible to the caller.
type RepoInfo struct {
	Name          string `json:"name"`
	FullName      string `json:"fullName,omitempty"`
	URL           string `json:"url"`
	Description   string `json:"description,omitempty"`
	DefaultBranch string `json:"defaultBranch,omitempty"`
	Private       bool   `json:"private,omitempty"`
}
