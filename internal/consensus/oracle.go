package consensus

// Features summarizes a community for the merge/split scoring oracle.
type Features struct {
	NodeCount    int
	LongestChain int
	ForkCount    int
	TotalStake   int64
}

// Oracle scores the desirability of topology changes. Scores are compared
// against the configured prediction threshold; the predicate must be
// deterministic for a given input.
type Oracle interface {
	ScoreMerge(a, b Features) float64
	ScoreSplit(f Features) float64
}

// StaticOracle returns a fixed score for every query. The default
// reference engine runs with Score 1, approving everything past any
// threshold below 1.
type StaticOracle struct {
	Score float64
}

// ScoreMerge returns the fixed score.
func (o StaticOracle) ScoreMerge(a, b Features) float64 { return o.Score }

// ScoreSplit returns the fixed score.
func (o StaticOracle) ScoreSplit(f Features) float64 { return o.Score }
