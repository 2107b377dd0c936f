// Package rtp implements random teleport: safe-location search, local attempt
// management with countdown and movement watching, and cross-server dispatch.
package rtp

import (
	"math"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/chumbucket/crossrtp/internal/config"
	"github.com/chumbucket/crossrtp/internal/game"
)

// Environment Y-scan bounds. The nether roof sits at 128, so the scan caps
// well below it; the end avoids void-adjacent low columns.
const (
	netherMinY = 20
	netherMaxY = 112
	endMinY    = 35
)

// Finder computes a safe random location in a world.
type Finder interface {
	// FindSafeAsync searches the world and invokes done on the game thread
	// with the found location, or nil when the search is exhausted.
	FindSafeAsync(world string, done func(loc *game.Location))
}

// SafetyPolicy judges candidate positions. Implementations run on the game
// thread.
type SafetyPolicy interface {
	// SafeStanding reports whether a player can stand at feet position loc.
	SafeStanding(w game.World, loc game.Location) bool

	// AreaClear reports whether loc is far enough from players and hostile
	// mobs per the configured radii.
	AreaClear(w game.World, loc game.Location) bool
}

// PermissiveSafety accepts every candidate. Useful for worlds where block
// data is not inspectable.
type PermissiveSafety struct{}

func (PermissiveSafety) SafeStanding(game.World, game.Location) bool { return true }
func (PermissiveSafety) AreaClear(game.World, game.Location) bool    { return true }

// SafeLocationFinder is the production Finder: ring/gaussian sampling with a
// pregenerated-only first phase and a hard cap on distinct chunks touched
// per search.
type SafeLocationFinder struct {
	log    *zap.Logger
	cfg    *config.Provider
	host   game.Host
	sched  game.Scheduler
	safety SafetyPolicy
	rnd    *rand.Rand
}

func NewSafeLocationFinder(log *zap.Logger, cfg *config.Provider, host game.Host, sched game.Scheduler, safety SafetyPolicy) *SafeLocationFinder {
	if safety == nil {
		safety = PermissiveSafety{}
	}
	return &SafeLocationFinder{
		log:    log.Named("finder"),
		cfg:    cfg,
		host:   host,
		sched:  sched,
		safety: safety,
		rnd:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

type search struct {
	world   game.World
	visited map[[2]int]bool
	done    func(loc *game.Location)
	settled bool
}

func (s *search) complete(f *SafeLocationFinder, loc *game.Location) {
	if s.settled {
		return
	}
	s.settled = true
	s.done(loc)
}

// FindSafeAsync must be called on the game thread; attempts are spread one
// per tick to keep the search from stalling the loop.
func (f *SafeLocationFinder) FindSafeAsync(worldName string, done func(loc *game.Location)) {
	w, ok := f.host.WorldByName(worldName)
	if !ok {
		done(nil)
		return
	}
	tries := f.cfg.Get().RTP.MaxTries
	if tries <= 0 {
		done(nil)
		return
	}
	s := &search{world: w, visited: map[[2]int]bool{}, done: done}
	f.attempt(s, tries, 0)
}

func (f *SafeLocationFinder) attempt(s *search, triesLeft, attemptsMade int) {
	if s.settled {
		return
	}
	if triesLeft <= 0 {
		s.complete(f, nil)
		return
	}

	cfg := f.cfg.Get()
	rtp := &cfg.RTP

	if len(s.visited) >= rtp.MaxUniqueChunksPerSearch {
		s.complete(f, nil)
		return
	}
	pregenOnly := attemptsMade < rtp.PregenAttempts

	server := cfg.ServerName
	worldName := s.world.Name()

	radius := rtp.RadiusFor(server, worldName)
	minRadius := rtp.MinRadiusFor(server, worldName)
	dist := rtp.DistributionFor(server, worldName)
	sigma := rtp.GaussianSigmaFor(server, worldName)

	x, z := pickOffset(f.rnd, dist, minRadius, radius, sigma)

	cx, cz := x>>4, z>>4
	ck := [2]int{cx, cz}
	if s.visited[ck] {
		f.retry(s, triesLeft-1, attemptsMade+1)
		return
	}
	if pregenOnly && !s.world.ChunkGenerated(cx, cz) {
		f.retry(s, triesLeft-1, attemptsMade+1)
		return
	}
	s.visited[ck] = true

	s.world.PreloadChunk(cx, cz, func(err error) {
		if s.settled {
			return
		}
		if err != nil {
			f.retry(s, triesLeft-1, attemptsMade+1)
			return
		}
		if loc := f.inspectColumn(s.world, x, z); loc != nil {
			s.complete(f, loc)
			return
		}
		f.retry(s, triesLeft-1, attemptsMade+1)
	})
}

func (f *SafeLocationFinder) retry(s *search, triesLeft, attemptsMade int) {
	if s.settled {
		return
	}
	f.sched.Run(func() { f.attempt(s, triesLeft, attemptsMade) })
}

// inspectColumn scans the block column for a standable position, game thread.
func (f *SafeLocationFinder) inspectColumn(w game.World, bx, bz int) *game.Location {
	switch w.Environment() {
	case game.EnvNether:
		return f.scanDown(w, bx, bz,
			minInt(netherMaxY, w.MaxHeight()-2),
			maxInt(netherMinY, w.MinHeight()+2))
	case game.EnvEnd:
		top, ok := w.HighestSolidY(bx, bz)
		if !ok {
			return nil
		}
		return f.scanDown(w, bx, bz,
			minInt(top+1, w.MaxHeight()-2),
			maxInt(endMinY, w.MinHeight()+2))
	default:
		top, ok := w.HighestSolidY(bx, bz)
		if !ok {
			return nil
		}
		loc := f.candidate(w.Name(), bx, top+1, bz)
		if f.accept(w, loc) {
			return &loc
		}
		return nil
	}
}

func (f *SafeLocationFinder) scanDown(w game.World, bx, bz, fromY, toY int) *game.Location {
	for y := fromY; y >= toY; y-- {
		loc := f.candidate(w.Name(), bx, y, bz)
		if f.accept(w, loc) {
			return &loc
		}
	}
	return nil
}

func (f *SafeLocationFinder) candidate(world string, bx, y, bz int) game.Location {
	return game.Location{
		World: world,
		X:     float64(bx) + 0.5,
		Y:     float64(y),
		Z:     float64(bz) + 0.5,
		Yaw:   f.rnd.Float32() * 360,
	}
}

func (f *SafeLocationFinder) accept(w game.World, loc game.Location) bool {
	return f.safety.SafeStanding(w, loc) && f.safety.AreaClear(w, loc)
}

// pickOffset samples an (x, z) offset from the configured distribution.
func pickOffset(r *rand.Rand, dist config.Distribution, minR, maxR int, sigma float64) (int, int) {
	switch dist {
	case config.SquareRingBiasedOuter:
		return randOutsideMinBiased(r, minR, maxR), randOutsideMinBiased(r, minR, maxR)
	case config.CircleRingUniformArea:
		return randAnnulusUniformArea(r, minR, maxR)
	case config.CircleRingUniformRad:
		return randAnnulusUniformRadius(r, minR, maxR)
	case config.GaussianClamped:
		return randGaussianClamped(r, minR, maxR, sigma)
	default:
		return randSquareRing(r, minR, maxR)
	}
}

func randSquareRing(r *rand.Rand, minR, maxR int) (int, int) {
	minR, maxR = normRing(minR, maxR)
	if maxR == 0 {
		return 0, 0
	}
	for {
		x := r.Intn(maxR*2+1) - maxR
		z := r.Intn(maxR*2+1) - maxR
		if absInt(x) < minR && absInt(z) < minR {
			continue
		}
		return x, z
	}
}

func randOutsideMinBiased(r *rand.Rand, minR, maxR int) int {
	minR, maxR = normRing(minR, maxR)
	if maxR == 0 {
		return 0
	}
	v := r.Intn(maxR + 1)
	if v < minR {
		v = minR + r.Intn(maxInt(1, maxR-minR+1))
	}
	if r.Intn(2) == 0 {
		return v
	}
	return -v
}

func randAnnulusUniformArea(r *rand.Rand, minR, maxR int) (int, int) {
	minR, maxR = normRing(minR, maxR)
	if maxR == 0 {
		return 0, 0
	}
	u := r.Float64()
	rad := math.Sqrt(u*(float64(maxR)*float64(maxR)-float64(minR)*float64(minR)) + float64(minR)*float64(minR))
	theta := r.Float64() * 2 * math.Pi
	x := int(math.Round(rad * math.Cos(theta)))
	z := int(math.Round(rad * math.Sin(theta)))
	return clampToAnnulus(r, x, z, minR, maxR)
}

func randAnnulusUniformRadius(r *rand.Rand, minR, maxR int) (int, int) {
	minR, maxR = normRing(minR, maxR)
	if maxR == 0 {
		return 0, 0
	}
	rad := float64(minR) + r.Float64()*float64(maxR-minR)
	theta := r.Float64() * 2 * math.Pi
	x := int(math.Round(rad * math.Cos(theta)))
	z := int(math.Round(rad * math.Sin(theta)))
	return clampToAnnulus(r, x, z, minR, maxR)
}

func randGaussianClamped(r *rand.Rand, minR, maxR int, sigmaFrac float64) (int, int) {
	minR, maxR = normRing(minR, maxR)
	if maxR == 0 {
		return 0, 0
	}
	sigma := math.Max(1.0, sigmaFrac*float64(maxR))
	min2, max2 := minR*minR, maxR*maxR

	for i := 0; i < 32; i++ {
		x := clampInt(int(math.Round(r.NormFloat64()*sigma)), -maxR, maxR)
		z := clampInt(int(math.Round(r.NormFloat64()*sigma)), -maxR, maxR)
		d2 := x*x + z*z
		if d2 < min2 || d2 > max2 {
			continue
		}
		return x, z
	}
	return randAnnulusUniformArea(r, minR, maxR)
}

func clampToAnnulus(r *rand.Rand, x, z, minR, maxR int) (int, int) {
	min2, max2 := minR*minR, maxR*maxR
	d2 := x*x + z*z
	if d2 >= min2 && d2 <= max2 {
		return x, z
	}
	for i := 0; i < 32; i++ {
		rx := r.Intn(maxR*2+1) - maxR
		rz := r.Intn(maxR*2+1) - maxR
		rd2 := rx*rx + rz*rz
		if rd2 < min2 || rd2 > max2 {
			continue
		}
		return rx, rz
	}
	if x == 0 && z == 0 {
		return minR, 0
	}
	length := math.Sqrt(math.Max(1.0, float64(d2)))
	target := float64(minR)
	if d2 > max2 {
		target = float64(maxR)
	}
	scale := target / length
	return int(math.Round(float64(x) * scale)), int(math.Round(float64(z) * scale))
}

func normRing(minR, maxR int) (int, int) {
	if maxR < 0 {
		maxR = 0
	}
	if minR < 0 {
		minR = 0
	}
	if minR > maxR {
		minR = maxR
	}
	return minR, maxR
}

func absInt(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
