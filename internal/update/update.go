// Package update implements C10: the single-flight OS package upgrade
// orchestrator, modeled on ap.mcp's child-lifecycle idiom (spawn, drain
// stdout into a parser, wait) applied to an upgrade tool instead of a
// supervised daemon.
package update

import (
	"context"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/skyforge-av/bondctl/internal/execseam"
	"github.com/skyforge-av/bondctl/internal/proto"
)

// CatalogRefreshInterval is how often, absent a failure, the package
// catalog is refreshed (spec.md §4.9: "every hour ... last successful
// refresh was >= 1 day ago").
const CatalogRefreshInterval = time.Hour

// CatalogRefreshMinAge is the minimum age of the last successful refresh
// before another is attempted.
const CatalogRefreshMinAge = 24 * time.Hour

// CatalogRetryInterval is how soon a failed refresh is retried.
const CatalogRetryInterval = time.Hour

// UpgradeRetryInterval is kept distinct from CatalogRetryInterval in case
// a future platform wants different cadences. The orchestrator does not
// read it: a failed DoUpdate is not retried automatically.
const UpgradeRetryInterval = time.Hour

// catalogBin and upgradeBin are external tools driven via execseam.Runner.
const (
	catalogBin = "apt-get"
	upgradeBin = "bondctl-upgrade"
)

// ErrDisabled is returned by RefreshCatalog/DoUpdate when setup disables
// upgrades.
var ErrDisabled = errors.New("upgrades disabled")

// ErrStreaming is returned by DoUpdate when streaming is active.
var ErrStreaming = errors.New("cannot update while streaming")

// ErrAlreadyUpdating is returned by DoUpdate when an update is already in
// flight.
var ErrAlreadyUpdating = errors.New("update already in progress")

// Orchestrator implements C10.
type Orchestrator struct {
	log            *zap.SugaredLogger
	runner         execseam.Runner
	enabled        bool
	onProgress     func(proto.UpdateStatus)
	onAvailable    func(proto.AvailableUpdates)
	onExitRequest  func()

	mu           sync.Mutex
	updating     bool
	lastRefresh  time.Time
	lastRefreshOK bool
}

// New constructs an Orchestrator. onProgress is called on every counter
// increment and on the final result; onAvailable is called after a
// successful catalog refresh; onExitRequest is called once after a
// successful upgrade (spec.md §4.9: exit so a supervisor restarts the
// process).
func New(log *zap.SugaredLogger, runner execseam.Runner, enabled bool,
	onProgress func(proto.UpdateStatus), onAvailable func(proto.AvailableUpdates), onExitRequest func()) *Orchestrator {
	return &Orchestrator{
		log: log, runner: runner, enabled: enabled,
		onProgress: onProgress, onAvailable: onAvailable, onExitRequest: onExitRequest,
	}
}

// Enabled reports whether upgrades are enabled in setup.
func (o *Orchestrator) Enabled() bool { return o.enabled }

// Updating reports whether an upgrade is currently in flight; used by C6
// to refuse start() while an upgrade runs.
func (o *Orchestrator) Updating() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.updating
}

// ShouldRefreshCatalog reports whether a catalog refresh is due: not
// disabled, not streaming, not updating, and the last successful refresh
// (if any) is at least CatalogRefreshMinAge old.
func (o *Orchestrator) ShouldRefreshCatalog(streaming bool) bool {
	if !o.enabled || streaming {
		return false
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.updating {
		return false
	}
	if o.lastRefreshOK && time.Since(o.lastRefresh) < CatalogRefreshMinAge {
		return false
	}
	return true
}

// RefreshCatalog re-indexes the package catalog and reports the available
// upgrade count and download size via onAvailable. It records success/
// failure for ShouldRefreshCatalog's backoff.
func (o *Orchestrator) RefreshCatalog(ctx context.Context) error {
	if !o.enabled {
		return ErrDisabled
	}

	_, _, err := o.runner.Run(ctx, catalogBin, "update")
	if err != nil {
		o.mu.Lock()
		o.lastRefreshOK = false
		o.mu.Unlock()
		return errors.Wrap(err, "refreshing catalog")
	}

	out, _, err := o.runner.Run(ctx, catalogBin, "--dry-run", "-qq", "upgrade")
	if err != nil {
		o.mu.Lock()
		o.lastRefreshOK = false
		o.mu.Unlock()
		return errors.Wrap(err, "simulating upgrade")
	}

	avail := parseDryRunUpgrade(string(out))

	o.mu.Lock()
	o.lastRefresh = time.Now()
	o.lastRefreshOK = true
	o.mu.Unlock()

	if o.onAvailable != nil {
		o.onAvailable(avail)
	}
	return nil
}

var dryRunCountRe = regexp.MustCompile(`(\d+) upgraded`)
var dryRunSizeRe = regexp.MustCompile(`Need to get ([\d.]+) ([kMG]?B)`)

// parseDryRunUpgrade extracts the package count and download size from
// `apt-get --dry-run upgrade` style output. A pure function over recorded
// output, the same seam spec.md §9 calls out for nmcli scraping.
func parseDryRunUpgrade(out string) proto.AvailableUpdates {
	var result proto.AvailableUpdates
	if m := dryRunCountRe.FindStringSubmatch(out); m != nil {
		n, _ := strconv.Atoi(m[1])
		result.PackageCount = n
	}
	if m := dryRunSizeRe.FindStringSubmatch(out); m != nil {
		v, _ := strconv.ParseFloat(m[1], 64)
		mult := map[string]float64{"B": 1, "kB": 1024, "MB": 1024 * 1024, "GB": 1024 * 1024 * 1024}[m[2]]
		if mult == 0 {
			mult = 1
		}
		result.DownloadSize = int64(v * mult)
	}
	return result
}

// progressLineRe matches upgrader stdout lines of the form
// "downloading: 3/10", "unpacking: 5/10", "setting_up: 1/10".
var progressLineRe = regexp.MustCompile(`^(downloading|unpacking|setting_up):\s*(\d+)/(\d+)$`)

// applyProgressLine folds one parsed line into status, clamping each
// counter to total and keeping counters monotone (never decreasing).
func applyProgressLine(status proto.UpdateStatus, line string) proto.UpdateStatus {
	m := progressLineRe.FindStringSubmatch(line)
	if m == nil {
		return status
	}
	n, _ := strconv.Atoi(m[2])
	total, _ := strconv.Atoi(m[3])
	if total > status.Total {
		status.Total = total
	}
	if n > status.Total {
		n = status.Total
	}
	switch m[1] {
	case "downloading":
		if n > status.Downloading {
			status.Downloading = n
		}
	case "unpacking":
		if n > status.Unpacking {
			status.Unpacking = n
		}
	case "setting_up":
		if n > status.SettingUp {
			status.SettingUp = n
		}
	}
	return status
}

// DoUpdate implements spec.md §4.9's doUpdate: rejected while streaming or
// already updating, otherwise spawns the upgrader, parses its progress,
// broadcasts via onProgress on every increment, and on success requests a
// process exit so a supervisor restarts the daemon.
func (o *Orchestrator) DoUpdate(ctx context.Context, streaming bool) error {
	if !o.enabled {
		return ErrDisabled
	}
	if streaming {
		return ErrStreaming
	}

	o.mu.Lock()
	if o.updating {
		o.mu.Unlock()
		return ErrAlreadyUpdating
	}
	o.updating = true
	o.mu.Unlock()

	defer func() {
		o.mu.Lock()
		o.updating = false
		o.mu.Unlock()
	}()

	proc, err := o.runner.Start(upgradeBin, "--non-interactive", "--yes")
	if err != nil {
		return errors.Wrap(err, "starting upgrader")
	}

	status := proto.UpdateStatus{Updating: true}
	for line := range proc.Lines() {
		status = applyProgressLine(status, line)
		if o.onProgress != nil {
			o.onProgress(status)
		}
	}

	waitErr := proc.Wait()
	status.Updating = false
	if o.onProgress != nil {
		o.onProgress(status)
	}

	if waitErr != nil {
		return errors.Wrap(waitErr, "upgrader exited with error")
	}

	if o.onExitRequest != nil {
		o.onExitRequest()
	}
	return nil
}
