package scanning

import "github.com/google/uuid"

// Repository is the connection information for a scanned source repository.
// Repository records are owned by an external system; this service only
// reads them and advances LastScannedCommit.
type Repository struct {
	ID                uuid.UUID
	TenantID          uuid.UUID
	Name              string
	URL               string
	DefaultBranch     string
	LastScannedCommit string
	AccessToken       string
	WebhookSecret     string
	IsActive          bool
	WebhookEnabled    bool
}

// CommitInfo describes the commit checked out into a workspace.
type CommitInfo struct {
	Hash      string
	ShortHash string
	Author    string
	Message   string
	Timestamp int64
}

// ShortHash returns the seven character abbreviation of a commit hash.
func ShortHash(hash string) string {
	if len(hash) > 7 {
		return hash[:7]
	}
	return hash
}

// ZeroCommit is the sentinel commit pushed when a branch is deleted.
const ZeroCommit = "0000000000000000000000000000000000000000"

// IsZeroCommit reports whether hash is the branch-deleted sentinel.
func IsZeroCommit(hash string) bool {
	if hash == "" {
		return false
	}
	for _, c := range hash {
		if c != '0' {
			return false
		}
	}
	return true
}
