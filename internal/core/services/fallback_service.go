package services

import (
	"sort"
	"sync"

	"go.uber.org/zap"

	"rtcore/internal/core/domain"
)

type FallbackConfig struct {
	LossThreshold    float64
	MinBandwidthKbps int
	DowngradeSamples int
	UpgradeSamples   int
}

func DefaultFallbackConfig() FallbackConfig {
	return FallbackConfig{
		LossThreshold:    0.15,
		MinBandwidthKbps: 150,
		DowngradeSamples: 2,
		UpgradeSamples:   5,
	}
}

// FallbackDecision is one level change for the local publish stream or a
// remote subscription.
type FallbackDecision struct {
	Local bool
	UID   domain.UID
	From  domain.FallbackLevel
	To    domain.FallbackLevel
}

// EnteredAudioOnly reports whether the change crossed into audio only.
func (d FallbackDecision) EnteredAudioOnly() bool {
	return d.To == domain.LevelAudioOnly && d.From != domain.LevelAudioOnly
}

// LeftAudioOnly reports whether video delivery resumes with this change.
func (d FallbackDecision) LeftAudioOnly() bool {
	return d.From == domain.LevelAudioOnly && d.To != domain.LevelAudioOnly
}

type streamFallback struct {
	uid      domain.UID
	level    domain.FallbackLevel
	priority domain.Priority
	bad      int
	good     int
}

// FallbackController decides delivery levels from consecutive network
// samples. A stream steps down after DowngradeSamples bad samples in a row and
// back up after UpgradeSamples good ones, so an alternating pattern never
// moves it.
type FallbackController struct {
	cfg    FallbackConfig
	logger *zap.SugaredLogger

	mu           sync.Mutex
	localOption  domain.FallbackOption
	remoteOption domain.FallbackOption
	local        *streamFallback
	remote       map[domain.UID]*streamFallback
}

func NewFallbackController(cfg FallbackConfig, logger *zap.SugaredLogger) *FallbackController {
	if cfg.DowngradeSamples < 1 {
		cfg.DowngradeSamples = 1
	}
	if cfg.UpgradeSamples < 1 {
		cfg.UpgradeSamples = 1
	}
	return &FallbackController{
		cfg:          cfg,
		logger:       logger,
		localOption:  domain.FallbackDisabled,
		remoteOption: domain.FallbackAudioOnlyAndReducedBitrate,
		remote:       make(map[domain.UID]*streamFallback),
	}
}

// IsBad reports whether a sample counts against a stream.
func (f *FallbackController) IsBad(s domain.NetworkSample) bool {
	if s.PacketLossRate > f.cfg.LossThreshold {
		return true
	}
	return s.BandwidthValid && s.AvailableBandwidthKbps < f.cfg.MinBandwidthKbps
}

func (f *FallbackController) LocalOption() domain.FallbackOption {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.localOption
}

func (f *FallbackController) RemoteOption() domain.FallbackOption {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.remoteOption
}

// SetLocalOption changes the local publish policy. A stream degraded below
// what the new option allows is restored immediately.
func (f *FallbackController) SetLocalOption(opt domain.FallbackOption) []FallbackDecision {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.localOption = opt
	if f.local == nil {
		return nil
	}
	if d, ok := f.clampLocked(f.local, opt, true); ok {
		return []FallbackDecision{d}
	}
	return nil
}

// SetRemoteOption changes the policy applied to every remote subscription.
func (f *FallbackController) SetRemoteOption(opt domain.FallbackOption) []FallbackDecision {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.remoteOption = opt
	var out []FallbackDecision
	for _, s := range f.sortedRemotesLocked() {
		if d, ok := f.clampLocked(s, opt, false); ok {
			out = append(out, d)
		}
	}
	return out
}

// SetLocalActive starts or stops tracking the local video publication.
func (f *FallbackController) SetLocalActive(active bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch {
	case active && f.local == nil:
		f.local = &streamFallback{level: domain.LevelFull}
	case !active:
		f.local = nil
	}
}

func (f *FallbackController) AddRemote(uid domain.UID) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.remote[uid]; !ok {
		f.remote[uid] = &streamFallback{uid: uid, level: domain.LevelFull}
	}
}

func (f *FallbackController) RemoveRemote(uid domain.UID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.remote, uid)
}

// SetPriority marks a remote user and re-applies the priority ordering using
// the counters already accumulated.
func (f *FallbackController) SetPriority(uid domain.UID, p domain.Priority) ([]FallbackDecision, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	s, ok := f.remote[uid]
	if !ok {
		return nil, domain.ErrUserNotFound
	}
	s.priority = p
	return f.stepRemotesLocked(), nil
}

// Level returns the current level of a remote subscription.
func (f *FallbackController) Level(uid domain.UID) domain.FallbackLevel {
	f.mu.Lock()
	defer f.mu.Unlock()

	if s, ok := f.remote[uid]; ok {
		return s.level
	}
	return domain.LevelFull
}

func (f *FallbackController) LocalLevel() domain.FallbackLevel {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.local == nil {
		return domain.LevelFull
	}
	return f.local.level
}

// Reset forgets every stream. Used when the session leaves the connected state.
func (f *FallbackController) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.local = nil
	f.remote = make(map[domain.UID]*streamFallback)
}

// Evaluate feeds one tick of samples and returns the resulting level changes.
// Streams without a sample keep their counters.
func (f *FallbackController) Evaluate(local *domain.NetworkSample, remote map[domain.UID]domain.NetworkSample) []FallbackDecision {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []FallbackDecision

	if f.local != nil && local != nil {
		f.count(f.local, *local)
		if d, ok := f.stepLocked(f.local, f.localOption, true); ok {
			out = append(out, d)
		}
	}

	for uid, sample := range remote {
		if s, ok := f.remote[uid]; ok {
			f.count(s, sample)
		}
	}
	return append(out, f.stepRemotesLocked()...)
}

func (f *FallbackController) count(s *streamFallback, sample domain.NetworkSample) {
	if f.IsBad(sample) {
		s.bad++
		s.good = 0
	} else {
		s.good++
		s.bad = 0
	}
}

func (f *FallbackController) stepLocked(s *streamFallback, opt domain.FallbackOption, local bool) (FallbackDecision, bool) {
	switch {
	case s.bad >= f.cfg.DowngradeSamples:
		if next := opt.Down(s.level); next != s.level {
			return f.moveLocked(s, next, local), true
		}
	case s.good >= f.cfg.UpgradeSamples && s.level != domain.LevelFull:
		return f.moveLocked(s, opt.Up(s.level), local), true
	}
	return FallbackDecision{}, false
}

// stepRemotesLocked applies the priority rules: normal streams are shed
// before high ones and high streams recover before normal ones.
func (f *FallbackController) stepRemotesLocked() []FallbackDecision {
	var out []FallbackDecision
	opt := f.remoteOption
	streams := f.sortedRemotesLocked()
	moved := make(map[domain.UID]bool)

	for _, s := range streams {
		if s.priority != domain.PriorityNormal || s.bad < f.cfg.DowngradeSamples {
			continue
		}
		if next := opt.Down(s.level); next != s.level {
			out = append(out, f.moveLocked(s, next, false))
			moved[s.uid] = true
		}
	}

	for _, s := range streams {
		if s.priority != domain.PriorityHigh || s.bad < f.cfg.DowngradeSamples {
			continue
		}
		victim, pending := f.sheddableNormalLocked(streams, opt, moved)
		if victim != nil {
			out = append(out, f.moveLocked(victim, opt.Down(victim.level), false))
			moved[victim.uid] = true
			s.bad = 0
			continue
		}
		if pending {
			// normal streams already shed this tick and can shed more next tick
			continue
		}
		if next := opt.Down(s.level); next != s.level {
			out = append(out, f.moveLocked(s, next, false))
		}
	}

	highDegraded := false
	for _, s := range streams {
		if s.priority != domain.PriorityHigh {
			continue
		}
		if s.good >= f.cfg.UpgradeSamples && s.level != domain.LevelFull {
			out = append(out, f.moveLocked(s, opt.Up(s.level), false))
		}
		if s.level != domain.LevelFull {
			highDegraded = true
		}
	}
	if highDegraded {
		return out
	}

	for _, s := range streams {
		if s.priority == domain.PriorityNormal && s.good >= f.cfg.UpgradeSamples && s.level != domain.LevelFull {
			out = append(out, f.moveLocked(s, opt.Up(s.level), false))
		}
	}
	return out
}

// sheddableNormalLocked picks the normal priority stream at the highest level
// that can still step down and has not moved this tick. pending is set when
// only already moved streams could step down.
func (f *FallbackController) sheddableNormalLocked(streams []*streamFallback, opt domain.FallbackOption, moved map[domain.UID]bool) (best *streamFallback, pending bool) {
	for _, s := range streams {
		if s.priority != domain.PriorityNormal || opt.Down(s.level) == s.level {
			continue
		}
		if moved[s.uid] {
			pending = true
			continue
		}
		if best == nil || s.level < best.level {
			best = s
		}
	}
	return best, pending
}

func (f *FallbackController) clampLocked(s *streamFallback, opt domain.FallbackOption, local bool) (FallbackDecision, bool) {
	target := s.level
	switch opt {
	case domain.FallbackDisabled:
		target = domain.LevelFull
	case domain.FallbackAudioOnly:
		if s.level == domain.LevelReduced {
			target = domain.LevelFull
		}
	}
	if target == s.level {
		return FallbackDecision{}, false
	}
	return f.moveLocked(s, target, local), true
}

func (f *FallbackController) moveLocked(s *streamFallback, to domain.FallbackLevel, local bool) FallbackDecision {
	d := FallbackDecision{Local: local, UID: s.uid, From: s.level, To: to}
	s.level = to
	s.bad, s.good = 0, 0

	f.logger.Infow("fallback level changed",
		"local", local,
		"uid", s.uid,
		"priority", s.priority.String(),
		"from", d.From.String(),
		"to", d.To.String(),
	)
	return d
}

func (f *FallbackController) sortedRemotesLocked() []*streamFallback {
	out := make([]*streamFallback, 0, len(f.remote))
	for _, s := range f.remote {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].uid < out[j].uid })
	return out
}
