package store

import "github.com/segmentio/ksuid"

// Entity ID prefixes. IDs are ksuid-backed and sortable by creation time.
const (
	PrefixWorkflow          = "w"
	PrefixWorkflowPermanent = "wpid"
	PrefixWorkflowRun       = "wr"
	PrefixWorkflowRunBlock  = "wrb"
	PrefixTask              = "tsk"
	PrefixStep              = "stp"
	PrefixTaskGeneration    = "tg"
	PrefixOrganization      = "o"
	PrefixScheduledRun      = "sr"
	PrefixSecret            = "secret"
)

// NewID returns a prefixed ksuid, e.g. "wr_2bTGmQ...".
func NewID(prefix string) string {
	return prefix + "_" + ksuid.New().String()
}
