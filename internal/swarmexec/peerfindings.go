package swarmexec

import (
	"fmt"
	"strings"
	"sync"
)

const peerFindingMaxChars = 500

// peerFindings is the process-local key/value store spec §4.7 step 8 and
// §5 describe: every landed WorkerResult publishes a role-scoped summary so
// later workers can read what earlier ones found. Scoped to one run.
type peerFindings struct {
	mu     sync.Mutex
	byRole map[string]string
}

func newPeerFindings() *peerFindings {
	return &peerFindings{byRole: make(map[string]string)}
}

// publish records roleID's latest finding, truncated to 500 chars.
func (p *peerFindings) publish(roleID, summary string) {
	if len(summary) > peerFindingMaxChars {
		summary = summary[:peerFindingMaxChars]
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.byRole[roleID] = summary
}

// render formats every published finding for inclusion in a worker prompt.
// Empty when nothing has been published yet.
func (p *peerFindings) render() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.byRole) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Peer findings so far:\n")
	for role, summary := range p.byRole {
		fmt.Fprintf(&b, "- %s: %s\n", role, summary)
	}
	return b.String()
}
