// Package combo runs the combinatorial search: every combination of a
// strategy's hyperopt spaces is optimized, its best epochs are backtested
// and the most profitable accepted result is tracked as the baseline.
package combo

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/raykavin/hyperforge/pkg/epoch"
	"github.com/raykavin/hyperforge/pkg/logger"
	"github.com/raykavin/hyperforge/pkg/performance"
	"github.com/raykavin/hyperforge/pkg/report"
	"github.com/raykavin/hyperforge/pkg/requirements"
	"github.com/raykavin/hyperforge/pkg/stats"
)

var (
	ErrAlreadyPrepared = errors.New("optimizer already prepared")
	ErrNotPrepared     = errors.New("optimizer not prepared")
	ErrNoBacktest      = errors.New("no backtest configuration registered")
	ErrNoSpaces        = errors.New("strategy declares no hyperopt spaces")
)

// HyperoptError is the runner failure that aborted a search session.
type HyperoptError struct {
	Tag string
	Err error
}

func (e *HyperoptError) Error() string {
	return fmt.Sprintf("hyperopt %s: %v", e.Tag, e.Err)
}

func (e *HyperoptError) Unwrap() error { return e.Err }

// HyperoptRunner executes one hyperopt run and returns its unsaved report.
type HyperoptRunner interface {
	Hyperopt(ctx context.Context, params HyperoptParameters) (*report.HyperoptReport, error)
}

// BacktestRunner executes one backtest. A report with a non-zero ID was
// already stored, e.g. a memoized identical run.
type BacktestRunner interface {
	Backtest(ctx context.Context, params BacktestParameters) (*report.BacktestReport, error)
}

// SpaceProvider lists the hyperopt spaces a strategy declares.
type SpaceProvider interface {
	Spaces(strategy string) ([]string, error)
}

// Store persists and removes reports.
type Store interface {
	SaveHyperopt(r *report.HyperoptReport) error
	SaveBacktest(r *report.BacktestReport) error
	DeleteHyperopt(ids ...int64) error
	DeleteBacktest(ids ...int64) error
}

// Notifier receives best-effort progress messages.
type Notifier interface {
	Notify(text string)
}

// State is the lifecycle stage of an Optimizer.
type State int

const (
	StateUnprepared State = iota
	StatePrepared
	StateRunning
	StateDone
)

func (s State) String() string {
	switch s {
	case StateUnprepared:
		return "unprepared"
	case StatePrepared:
		return "prepared"
	case StateRunning:
		return "running"
	case StateDone:
		return "done"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Progress is reported after every combination.
type Progress struct {
	Trial        int
	Trials       int
	Index        int
	Combinations int
	Tag          string
	Accepted     int
	Rejected     int
}

// Search is a snapshot of the session state.
type Search struct {
	Trial          int
	Index          int
	Best           *report.BacktestReport
	BestHyperoptID int64
	BestProfitPct  float64
	Accepted       map[int][]*report.BacktestReport
	AcceptedCount  int
	RejectedCount  int
}

// DefaultCandidates is how many epochs of each hyperopt run are backtested.
const DefaultCandidates = 5

// Option configures an Optimizer.
type Option func(*Optimizer)

// WithLogger sets the logger, by default nothing is logged
func WithLogger(log logger.Logger) Option {
	return func(o *Optimizer) {
		o.log = log
	}
}

// WithNotifier registers the sink for baseline updates and stats summaries.
func WithNotifier(n Notifier) Option {
	return func(o *Optimizer) {
		o.notifier = n
	}
}

// WithRand sets the source used to shuffle combinations.
func WithRand(rng *rand.Rand) Option {
	return func(o *Optimizer) {
		o.rng = rng
	}
}

// WithCandidates sets how many epochs of each hyperopt run are backtested.
func WithCandidates(n int) Option {
	return func(o *Optimizer) {
		o.candidates = n
	}
}

// WithMaxCombo bounds the number of spaces combined in one hyperopt run.
func WithMaxCombo(n int) Option {
	return func(o *Optimizer) {
		o.maxCombo = n
	}
}

// WithProgress registers a callback invoked after every combination.
func WithProgress(fn func(Progress)) Option {
	return func(o *Optimizer) {
		o.progress = fn
	}
}

// WithStats replaces the default stats aggregator.
func WithStats(a *stats.Aggregator) Option {
	return func(o *Optimizer) {
		o.stats = a
	}
}

// Collaborators groups the external dependencies of an Optimizer.
type Collaborators struct {
	Hyperopt HyperoptRunner
	Backtest BacktestRunner
	Spaces   SpaceProvider
	Store    Store
}

// Optimizer drives the search session. It is single threaded: every runner
// call blocks until the external process finishes.
type Optimizer struct {
	session string

	backtestReq requirements.Set
	hyperoptReq requirements.Set
	trials      int

	hyperopt HyperoptRunner
	backtest BacktestRunner
	spaces   SpaceProvider
	store    Store

	log        logger.Logger
	notifier   Notifier
	rng        *rand.Rand
	candidates int
	maxCombo   int
	progress   func(Progress)
	stats      *stats.Aggregator

	state        State
	strategy     string
	backtests    []BacktestParameters
	combinations []Combination
	search       Search
}

// New creates an unprepared optimizer running trials passes over the
// combinations.
func New(backtestReq, hyperoptReq requirements.Set, trials int, c Collaborators, options ...Option) *Optimizer {
	o := &Optimizer{
		session:     uuid.NewString(),
		backtestReq: backtestReq,
		hyperoptReq: hyperoptReq,
		trials:      trials,
		hyperopt:    c.Hyperopt,
		backtest:    c.Backtest,
		spaces:      c.Spaces,
		store:       c.Store,
		log:         logger.Nop(),
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
		candidates:  DefaultCandidates,
		maxCombo:    DefaultMaxCombo,
	}
	for _, option := range options {
		option(o)
	}

	o.log = o.log.WithField("session", o.session)
	if o.stats == nil {
		o.stats = stats.New(stats.WithNotifier(o.notifier), stats.WithLogger(o.log))
	}
	o.search = newSearch()
	return o
}

func newSearch() Search {
	return Search{Accepted: make(map[int][]*report.BacktestReport)}
}

// Session identifies this optimizer in logs.
func (o *Optimizer) Session() string {
	return o.session
}

// State returns the lifecycle stage.
func (o *Optimizer) State() State {
	return o.state
}

// Stats returns the aggregator fed with accepted results.
func (o *Optimizer) Stats() *stats.Aggregator {
	return o.stats
}

// AddBacktest registers a baseline backtest configuration. Every candidate
// epoch is backtested against each registered configuration in order.
func (o *Optimizer) AddBacktest(params BacktestParameters) {
	o.backtests = append(o.backtests, params.Clone())
}

// Prepare generates the combinations of the strategy spaces, merged with
// base. Extra spaces are appended to every combination.
func (o *Optimizer) Prepare(ctx context.Context, strategy string, base HyperoptParameters, shuffle bool,
	extraSpaces []string) error {

	if o.state != StateUnprepared {
		return ErrAlreadyPrepared
	}
	if len(o.backtests) == 0 {
		return ErrNoBacktest
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	spaces, err := o.spaces.Spaces(strategy)
	if err != nil {
		return fmt.Errorf("spaces of %s: %w", strategy, err)
	}
	if len(spaces) == 0 && len(extraSpaces) == 0 {
		return ErrNoSpaces
	}

	combinations := lo.UniqBy(buildCombinations(strategy, spaces, extraSpaces, o.maxCombo, base),
		func(c Combination) string { return c.Tag })
	if shuffle {
		o.rng.Shuffle(len(combinations), func(i, j int) {
			combinations[i], combinations[j] = combinations[j], combinations[i]
		})
	}

	o.strategy = strategy
	o.combinations = combinations
	o.state = StatePrepared
	o.log.WithFields(map[string]any{
		"strategy":     strategy,
		"spaces":       spaces,
		"combinations": len(combinations),
	}).Info("search prepared")
	return nil
}

// Combinations returns the prepared combinations in processing order.
func (o *Optimizer) Combinations() []Combination {
	return append([]Combination(nil), o.combinations...)
}

// Search returns a snapshot of the session state.
func (o *Optimizer) Search() Search {
	s := o.search
	s.Accepted = make(map[int][]*report.BacktestReport, len(o.search.Accepted))
	for trial, reports := range o.search.Accepted {
		s.Accepted[trial] = append([]*report.BacktestReport(nil), reports...)
	}
	return s
}

// Best returns the current baseline, nil before the first adoption.
func (o *Optimizer) Best() *report.BacktestReport {
	return o.search.Best
}

// Reset returns the optimizer to the unprepared state. Registered backtest
// configurations are kept.
func (o *Optimizer) Reset() {
	o.state = StateUnprepared
	o.strategy = ""
	o.combinations = nil
	o.search = newSearch()
}

// Start runs every combination trials times. A hyperopt failure ends the
// session with a *HyperoptError; a backtest failure only skips the rest of
// the current candidate batch.
func (o *Optimizer) Start(ctx context.Context) error {
	if o.state != StatePrepared {
		return ErrNotPrepared
	}
	if len(o.backtests) == 0 {
		return ErrNoBacktest
	}

	o.state = StateRunning
	o.log.Infof("starting %d trials over %d combinations", o.trials, len(o.combinations))

	for trial := 1; trial <= o.trials; trial++ {
		o.search.Trial = trial
		accepted := make([]*report.BacktestReport, 0)

		for index, combination := range o.combinations {
			if err := ctx.Err(); err != nil {
				o.search.Accepted[trial] = accepted
				return err
			}
			o.search.Index = index

			reports, err := o.runCombination(ctx, combination)
			if err != nil {
				o.search.Accepted[trial] = accepted
				return err
			}
			accepted = append(accepted, reports...)

			o.stats.Print(o.log)
			o.publishProgress(combination)
		}

		o.search.Accepted[trial] = accepted
	}

	o.state = StateDone
	o.log.WithFields(map[string]any{
		"accepted": o.search.AcceptedCount,
		"rejected": o.search.RejectedCount,
	}).Info("search finished")
	return nil
}

func (o *Optimizer) publishProgress(c Combination) {
	if o.progress == nil {
		return
	}
	o.progress(Progress{
		Trial:        o.search.Trial,
		Trials:       o.trials,
		Index:        o.search.Index,
		Combinations: len(o.combinations),
		Tag:          c.Tag,
		Accepted:     o.search.AcceptedCount,
		Rejected:     o.search.RejectedCount,
	})
}

// runCombination optimizes one combination and backtests its best epochs.
// It returns the accepted backtests.
func (o *Optimizer) runCombination(ctx context.Context, c Combination) ([]*report.BacktestReport, error) {
	log := o.log.WithField("tag", c.Tag)

	raw, err := o.hyperopt.Hyperopt(ctx, c.Parameters.Clone())
	if err != nil {
		log.WithError(err).Error("hyperopt failed")
		return nil, &HyperoptError{Tag: c.Tag, Err: err}
	}
	if raw.Tag == "" {
		raw.Tag = c.Tag
	}
	if err := o.store.SaveHyperopt(raw); err != nil {
		return nil, fmt.Errorf("save hyperopt %s: %w", c.Tag, err)
	}

	candidates, err := o.selectCandidates(raw)

	// the useful epochs are stored on their own, the raw run is not needed
	if delErr := o.store.DeleteHyperopt(raw.ID); delErr != nil {
		log.WithError(delErr).Warnf("could not delete raw hyperopt %d", raw.ID)
	}
	if err != nil {
		return nil, err
	}

	if len(candidates) == 0 {
		log.Info("no epoch meets the hyperopt requirements")
		return nil, nil
	}

	var accepted []*report.BacktestReport
	for _, candidate := range candidates {
		reports, ok := o.evaluateCandidate(ctx, candidate)
		accepted = append(accepted, reports...)
		if !ok {
			break
		}
	}
	return accepted, nil
}

func (o *Optimizer) selectCandidates(raw *report.HyperoptReport) ([]*report.HyperoptReport, error) {
	trials, err := epoch.Load(raw)
	if err != nil {
		return nil, fmt.Errorf("read epochs of hyperopt %d: %w", raw.ID, err)
	}

	candidates, err := epoch.Select(raw, trials, o.hyperoptReq, o.candidates, o.store)
	if err != nil {
		return nil, fmt.Errorf("select epochs of hyperopt %d: %w", raw.ID, err)
	}
	return candidates, nil
}

// evaluateCandidate backtests one candidate against every registered
// configuration. It returns the accepted backtests and false when the
// candidate's metrics or a backtest could not be read.
func (o *Optimizer) evaluateCandidate(ctx context.Context, candidate *report.HyperoptReport) ([]*report.BacktestReport, bool) {
	log := o.log.WithFields(map[string]any{"hyperopt": candidate.ID, "epoch": candidate.Epoch})

	params, err := candidate.Params()
	if err != nil {
		log.WithError(err).Error("cannot read candidate parameters")
		return nil, false
	}

	hyperoptPerf, err := candidate.Performance()
	if err != nil {
		log.WithError(err).Error("cannot read candidate metrics")
		return nil, false
	}
	if err := hyperoptPerf.Validate(); err != nil {
		log.WithError(err).Warn("candidate trade counts do not add up")
	}

	var accepted []*report.BacktestReport
	for _, base := range o.backtests {
		bt, perf, err := o.runBacktest(ctx, candidate, base, params)
		if err != nil {
			log.WithError(err).Error("backtest failed")
			return accepted, false
		}

		if ok, reasons := requirements.EvaluatePerformance(perf, o.backtestReq); !ok {
			if o.search.Best == nil {
				log.Infof("adopting backtest %d as first baseline despite %v", bt.ID, reasons)
				o.updateBest(bt, perf, candidate.ID)
				continue
			}

			log.WithField("backtest", bt.ID).Infof("rejected: %v", reasons)
			o.reject(candidate, bt, len(accepted) == 0)
			return accepted, true
		}

		o.search.AcceptedCount++
		o.stats.Append(hyperoptPerf, perf)
		o.updateBest(bt, perf, candidate.ID)
		accepted = append(accepted, bt)
	}
	return accepted, true
}

func (o *Optimizer) runBacktest(ctx context.Context, candidate *report.HyperoptReport, base BacktestParameters,
	params map[string]any) (*report.BacktestReport, performance.Performance, error) {

	run := base.Clone()
	run.Strategy = candidate.Strategy
	run.Params = params
	id := candidate.ID
	run.HyperoptID = &id
	run.Tag = fmt.Sprintf("%d-%s", candidate.ID, candidate.Tag)

	bt, err := o.backtest.Backtest(ctx, run)
	if err != nil {
		return nil, performance.Performance{}, err
	}
	if bt.ID == 0 {
		if err := o.store.SaveBacktest(bt); err != nil {
			return nil, performance.Performance{}, fmt.Errorf("save backtest %s: %w", run.Tag, err)
		}
	}

	perf, err := bt.Performance()
	if err != nil {
		if delErr := o.store.DeleteBacktest(bt.ID); delErr != nil {
			o.log.WithError(delErr).Warnf("could not delete unreadable backtest %d", bt.ID)
		}
		return nil, performance.Performance{}, err
	}
	if err := perf.Validate(); err != nil {
		o.log.WithError(err).WithField("backtest", bt.ID).Warn("backtest trade counts do not add up")
	}
	return bt, perf, nil
}

// reject deletes a failed backtest and, unless another backtest of the
// same candidate was accepted, the candidate itself.
func (o *Optimizer) reject(candidate *report.HyperoptReport, bt *report.BacktestReport, dropCandidate bool) {
	o.search.RejectedCount++

	if err := o.store.DeleteBacktest(bt.ID); err != nil {
		o.log.WithError(err).Warnf("could not delete backtest %d", bt.ID)
	}
	if !dropCandidate {
		return
	}
	if err := o.store.DeleteHyperopt(candidate.ID); err != nil {
		o.log.WithError(err).Warnf("could not delete hyperopt %d", candidate.ID)
	}
}

// updateBest replaces the baseline when there is none or when bt made
// strictly more profit. Ties keep the current baseline.
func (o *Optimizer) updateBest(bt *report.BacktestReport, perf performance.Performance, hyperoptID int64) bool {
	if o.search.Best != nil && perf.ProfitTotalPct <= o.search.BestProfitPct {
		return false
	}

	o.search.Best = bt
	o.search.BestHyperoptID = hyperoptID
	o.search.BestProfitPct = perf.ProfitTotalPct

	o.log.WithFields(map[string]any{
		"backtest": bt.ID,
		"hyperopt": hyperoptID,
		"profit":   perf.ProfitTotalPct,
	}).Info("new baseline")
	o.notify(fmt.Sprintf("New baseline for %s: backtest %d (hyperopt %d), profit %.2f%%\n%s",
		o.strategy, bt.ID, hyperoptID, perf.ProfitTotalPct, perf))
	return true
}

func (o *Optimizer) notify(text string) {
	if o.notifier == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			o.log.Warnf("notification dropped: %v", r)
		}
	}()
	o.notifier.Notify(text)
}
