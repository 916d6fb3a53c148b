package protocol

import (
	"encoding/json"
	"math/rand"
	"time"
)

// Trial is one configured stimulation parameter set. Phase timeouts are in
// polling ticks.
type Trial struct {
	Repeats   int     `json:"repeats"`
	PreTicks  int     `json:"pre_ticks"`
	StimTicks int     `json:"stim_ticks"`
	PostTicks int     `json:"post_ticks"`
	Frequency float64 `json:"frequency"`
}

// UnmarshalJSON defaults an omitted repeat count to 1.
func (t *Trial) UnmarshalJSON(data []byte) error {
	type plain Trial
	v := plain{Repeats: 1}
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*t = Trial(v)
	return nil
}

// Expand flattens a compact trial list into one entry per repeat, keeping
// declaration order. The total length is the sum of all repeat counts.
func Expand(trials []Trial) []Trial {
	total := 0
	for _, t := range trials {
		if t.Repeats > 0 {
			total += t.Repeats
		}
	}
	out := make([]Trial, 0, total)
	for _, t := range trials {
		for i := 0; i < t.Repeats; i++ {
			out = append(out, t)
		}
	}
	return out
}

// Shuffle permutes trials in place with a uniform Fisher-Yates shuffle. A
// zero seed draws one from the clock.
func Shuffle(trials []Trial, seed int64) {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	rng := rand.New(rand.NewSource(seed))
	rng.Shuffle(len(trials), func(i, j int) { trials[i], trials[j] = trials[j], trials[i] })
}

// TrialResult reports a completed trial.
type TrialResult struct {
	// Index is zero-based within the expanded list.
	Index     int
	Total     int
	Frequency float64
}
