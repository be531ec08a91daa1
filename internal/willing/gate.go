package willing

import (
	"log/slog"
	"math/rand/v2"
	"slices"
	"sync"
	"time"

	"github.com/SnowindMe/MaiBot/internal/chat"
)

// Willingness bounds and adjustments of the classic reply model.
const (
	maxWillingness     = 3.0
	interestThreshold  = 0.4
	interestOffset     = 0.3
	mentionBoost       = 1.0
	mentionBoostSated  = 0.05
	emojiDamping       = 0.2
	probabilityOffset  = 0.5
	probabilityFloor   = 0.01
	sentWillingnessCut = 1.8
)

// Config tunes the reply gate.
type Config struct {
	// InterestAmplifier scales the interest rate before it is applied.
	InterestAmplifier float64
	// WillingAmplifier scales the willingness-derived probability.
	WillingAmplifier float64
	// TalkAllowedGroups restricts replies to these group IDs. Empty
	// allows every group. Private streams are always allowed.
	TalkAllowedGroups []string
	// FrequencyDownGroups lists group IDs whose probability is divided
	// by DownFrequencyRate.
	FrequencyDownGroups []string
	DownFrequencyRate   float64
	// Seed fixes the random source. Zero seeds from the clock.
	Seed uint64
}

// Signals are the per-message inputs to a decision.
type Signals struct {
	IsMentioned     bool
	InterestRate    float64
	IsEmoji         bool
	SenderID        string
	BaseWillingness float64
	// ProbabilityGain is added to the computed probability. The sum is
	// not clamped.
	ProbabilityGain float64
}

// Decision is the outcome of one Bernoulli trial.
type Decision struct {
	ShouldReply bool
	// Probability is the final value drawn against, gain included.
	Probability float64
	// BaseProbability is the probability before the gain.
	BaseProbability float64
	// Willingness is the value stored for the stream.
	Willingness float64
	// Draw is the uniform value in [0,1) the decision used.
	Draw float64
}

// Gate computes reply probabilities and draws reply decisions.
type Gate struct {
	cfg    Config
	store  *Store
	logger *slog.Logger

	mu  sync.Mutex
	rng *rand.Rand
}

// NewGate creates a gate reading and writing willingness in store.
func NewGate(cfg Config, store *Store, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.InterestAmplifier <= 0 {
		cfg.InterestAmplifier = 1
	}
	if cfg.WillingAmplifier <= 0 {
		cfg.WillingAmplifier = 1
	}
	if cfg.DownFrequencyRate <= 0 {
		cfg.DownFrequencyRate = 1
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	return &Gate{
		cfg:    cfg,
		store:  store,
		logger: logger,
		rng:    rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
	}
}

// Store returns the gate's willingness store.
func (g *Gate) Store() *Store { return g.store }

// Probability computes the reply probability for a message in stream
// along with the willingness the stream should hold afterwards. It has
// no side effects.
func (g *Gate) Probability(stream *chat.Stream, s Signals) (prob, willingness float64) {
	w := s.BaseWillingness

	if interest := s.InterestRate * g.cfg.InterestAmplifier; interest > interestThreshold {
		w += interest - interestOffset
	}
	if s.IsMentioned {
		if w < 1 {
			w += mentionBoost
		} else {
			w += mentionBoostSated
		}
	}
	if s.IsEmoji {
		w *= emojiDamping
	}
	willingness = min(w, maxWillingness)

	prob = min(max(willingness-probabilityOffset, probabilityFloor)*g.cfg.WillingAmplifier*2, 1)

	if stream != nil && stream.GroupInfo != nil {
		gid := stream.GroupInfo.GroupID
		if len(g.cfg.TalkAllowedGroups) > 0 && !slices.Contains(g.cfg.TalkAllowedGroups, gid) {
			prob = 0
		} else if slices.Contains(g.cfg.FrequencyDownGroups, gid) {
			prob /= g.cfg.DownFrequencyRate
		}
	}
	return prob, willingness
}

// Decide computes the probability, stores the new willingness for the
// stream and draws once. With a fixed seed the same sequence of inputs
// yields the same sequence of decisions.
func (g *Gate) Decide(stream *chat.Stream, s Signals) Decision {
	base, w := g.Probability(stream, s)
	if stream != nil {
		g.store.Set(stream.ID, w)
	}
	p := base + s.ProbabilityGain

	g.mu.Lock()
	u := g.rng.Float64()
	g.mu.Unlock()

	return Decision{
		ShouldReply:     u < p,
		Probability:     p,
		BaseProbability: base,
		Willingness:     w,
		Draw:            u,
	}
}

// RecordSent lowers a stream's willingness after a placeholder was
// created for it.
func (g *Gate) RecordSent(streamID string) {
	w := g.store.update(streamID, func(v float64) float64 {
		return max(0, v-sentWillingnessCut)
	})
	g.logger.Debug("willingness lowered after reply", "stream_id", streamID, "willingness", w)
}
