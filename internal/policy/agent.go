package policy

import (
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/omnimesh/fabric-core/internal/buffer"
)

// Experience is one observed transition.
type Experience struct {
	StateKey     string
	Action       string
	Reward       float64
	NextStateKey string
	Terminal     bool
	Timestamp    time.Time
}

// AgentConfig tunes the learner.
type AgentConfig struct {
	LearningRate     float64
	DiscountFactor   float64
	ExplorationRate  float64
	ExplorationDecay float64
	ReplayBufferSize int
	ReplayBatchSize  int
}

// Agent is the tabular epsilon-greedy Q-learner. Owned by the policy task;
// the mutex only guards against snapshot readers.
type Agent struct {
	mu      sync.RWMutex
	q       map[string]map[string]float64
	epsilon float64
	cfg     AgentConfig
	replay  *buffer.Queue[Experience]
	rng     *rand.Rand
}

// NewAgent builds an empty learner.
func NewAgent(cfg AgentConfig) *Agent {
	return &Agent{
		q:       make(map[string]map[string]float64),
		epsilon: cfg.ExplorationRate,
		cfg:     cfg,
		replay:  buffer.New[Experience](cfg.ReplayBufferSize),
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// SelectAction picks an action for the state: random with probability
// epsilon, otherwise the argmax with deterministic tie-breaking by action
// order. Epsilon decays after every selection.
func (a *Agent) SelectAction(stateKey string) (action string, explored bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.rng.Float64() < a.epsilon {
		action = Actions[a.rng.Intn(len(Actions))]
		explored = true
	} else {
		action = a.greedyLocked(stateKey)
	}

	a.epsilon *= a.cfg.ExplorationDecay
	if a.epsilon < 0.01 {
		a.epsilon = 0.01
	}
	return action, explored
}

func (a *Agent) greedyLocked(stateKey string) string {
	row := a.q[stateKey]
	best := Actions[0]
	bestQ := row[best]
	for _, act := range Actions[1:] {
		if row[act] > bestQ {
			best = act
			bestQ = row[act]
		}
	}
	return best
}

// Seen reports whether the state has any learned value.
func (a *Agent) Seen(stateKey string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.q[stateKey]) > 0
}

// Update applies one Q-learning step and appends the experience to the
// replay buffer.
func (a *Agent) Update(exp Experience) {
	a.mu.Lock()
	a.applyLocked(exp)
	a.mu.Unlock()
	a.replay.Push(exp)
}

func (a *Agent) applyLocked(exp Experience) {
	target := exp.Reward
	if !exp.Terminal {
		next := a.q[exp.NextStateKey]
		var maxNext float64
		first := true
		for _, act := range Actions {
			if first || next[act] > maxNext {
				maxNext = next[act]
				first = false
			}
		}
		target += a.cfg.DiscountFactor * maxNext
	}
	row := a.q[exp.StateKey]
	if row == nil {
		row = make(map[string]float64, len(Actions))
		a.q[exp.StateKey] = row
	}
	row[exp.Action] += a.cfg.LearningRate * (target - row[exp.Action])
}

// ReplayStep samples one batch from the buffer and re-applies the update
// rule. No-op until a full batch has accumulated.
func (a *Agent) ReplayStep() int {
	snap := a.replay.Snapshot()
	if len(snap) < a.cfg.ReplayBatchSize {
		return 0
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := 0; i < a.cfg.ReplayBatchSize; i++ {
		a.applyLocked(snap[a.rng.Intn(len(snap))])
	}
	return a.cfg.ReplayBatchSize
}

// Rehydrate replays persisted experiences to rebuild the table after a
// restart, without counting them against epsilon decay.
func (a *Agent) Rehydrate(exps []Experience) {
	a.mu.Lock()
	for _, exp := range exps {
		a.applyLocked(exp)
	}
	a.mu.Unlock()
	for _, exp := range exps {
		a.replay.Push(exp)
	}
	log.Info().Int("experiences", len(exps)).Msg("Policy table rehydrated from experience history")
}

// Epsilon reports the current exploration rate.
func (a *Agent) Epsilon() float64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.epsilon
}

// QValue exposes one table entry for reporting and tests.
func (a *Agent) QValue(stateKey, action string) float64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.q[stateKey][action]
}

// States reports how many distinct states have been visited.
func (a *Agent) States() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.q)
}

// ReplayDepth reports how many experiences are buffered.
func (a *Agent) ReplayDepth() int {
	return a.replay.Len()
}
