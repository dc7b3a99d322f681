package policy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	coreerrors "github.com/omnimesh/fabric-core/internal/errors"
)

// AgentRunner executes actions by posting them to the node agent's action
// endpoint. The agent applies the change and responds when it has taken
// effect.
type AgentRunner struct {
	addresses map[string]string // node id -> host:port
	client    *http.Client
	fallback  Runner
}

// NewAgentRunner routes actions for the given nodes to their agents.
// Nodes without an address fall back to the local runner.
func NewAgentRunner(addresses map[string]string, timeout time.Duration) *AgentRunner {
	return &AgentRunner{
		addresses: addresses,
		client:    &http.Client{Timeout: timeout},
		fallback:  &LocalRunner{},
	}
}

type actionRequest struct {
	DecisionID string `json:"decision_id"`
	Action     string `json:"action"`
}

// Execute posts the action to http://<address>/v1/actions. A 2xx response
// means the agent applied it.
func (r *AgentRunner) Execute(ctx context.Context, d *Decision) error {
	addr, ok := r.addresses[d.NodeID]
	if !ok || addr == "" {
		return r.fallback.Execute(ctx, d)
	}
	body, err := json.Marshal(actionRequest{DecisionID: d.ID, Action: d.Action})
	if err != nil {
		return coreerrors.New(coreerrors.KindValidation, "agent_action", err)
	}
	url := fmt.Sprintf("http://%s/v1/actions", addr)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return coreerrors.New(coreerrors.KindTransientTransport, "agent_action", err).WithNode(d.NodeID)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := r.client.Do(req)
	if err != nil {
		return coreerrors.New(coreerrors.KindTransientTransport, "agent_action", err).WithNode(d.NodeID)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return coreerrors.New(coreerrors.KindExecutionFailure, "agent_action",
			fmt.Errorf("agent returned status %d", resp.StatusCode)).WithNode(d.NodeID)
	}
	return nil
}

// LocalRunner applies actions on the node running the core itself. Actions
// that require an external scheduler are acknowledged and logged so the
// reward loop still observes their telemetry effect.
type LocalRunner struct{}

func (r *LocalRunner) Execute(ctx context.Context, d *Decision) error {
	select {
	case <-ctx.Done():
		return coreerrors.New(coreerrors.KindExecutionFailure, "local_action", ctx.Err()).WithNode(d.NodeID)
	default:
	}
	log.Info().Str("action", d.Action).Str("node", d.NodeID).Msg("Applying local action")
	return nil
}
