// Persistence of the non-static peer directory to known_peers.json
// (spec.md §3/§6: "only the peer directory and replay cache survive" a
// restart). Grounded on internal/replay's save/load idiom, generalized
// from a flat id-set to the record shape the peer table needs to
// reconstruct Cached entries.
package daemon

import (
	"encoding/json"
	"os"

	"github.com/axon-project/axond/internal/daemonerr"
	"github.com/axon-project/axond/internal/envelope"
	"github.com/axon-project/axond/internal/peertable"
)

type persistedPeer struct {
	AgentID   string `json:"agent_id"`
	Addr      string `json:"addr"`
	PubkeyB64 string `json:"pubkey_base64"`
}

// saveKnownPeers writes a snapshot of every non-static record to path.
func saveKnownPeers(path string, peers *peertable.Table) error {
	nonStatic := peers.NonStatic()
	out := make([]persistedPeer, 0, len(nonStatic))
	for _, r := range nonStatic {
		out = append(out, persistedPeer{AgentID: string(r.AgentID), Addr: r.Addr, PubkeyB64: r.PubkeyB64})
	}

	data, err := json.Marshal(out)
	if err != nil {
		return daemonerr.Wrap(daemonerr.CodeInternal, "marshal known_peers.json", err)
	}
	return os.WriteFile(path, data, 0o600)
}

// loadKnownPeers restores a previously saved snapshot as Cached records. A
// missing file is not an error: the table simply starts with only the
// statically-configured peers.
func loadKnownPeers(path string, peers *peertable.Table) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return daemonerr.Wrap(daemonerr.CodeInternal, "read known_peers.json", err)
	}

	var entries []persistedPeer
	if err := json.Unmarshal(data, &entries); err != nil {
		return daemonerr.Wrap(daemonerr.CodeInternal, "parse known_peers.json", err)
	}

	for _, e := range entries {
		peers.UpsertCached(envelope.Canonical(e.AgentID), e.Addr, e.PubkeyB64)
	}
	return nil
}
