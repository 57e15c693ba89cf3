package orchestrator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-logr/zapr"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/spf13/afero"
	"github.com/topolvm/snapback/internal/command"
	"github.com/topolvm/snapback/internal/config"
	"github.com/topolvm/snapback/internal/lifecycle"
	"github.com/topolvm/snapback/internal/lvm"
	"github.com/topolvm/snapback/internal/metrics"
	"github.com/topolvm/snapback/internal/mounter"
	"github.com/topolvm/snapback/internal/pipeline"
	"github.com/topolvm/snapback/internal/testutils"
	"github.com/topolvm/snapback/internal/tool"
	"github.com/topolvm/snapback/internal/volume"
	"github.com/topolvm/snapback/internal/zfs"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	mountutil "k8s.io/mount-utils"
	"sigs.k8s.io/controller-runtime/pkg/log"
)

var errInjected = errors.New("injected failure")

type fakeProvider struct {
	events     *[]string
	acquireErr map[string]error
	releaseErr map[string]error
}

func (p *fakeProvider) Acquire(_ context.Context, v volume.Volume) (*lifecycle.Resource, error) {
	*p.events = append(*p.events, "acquire "+v.Name)
	if err := p.acquireErr[v.Name]; err != nil {
		return nil, err
	}
	return &lifecycle.Resource{Volume: v, MountPath: v.Mount, SourceMount: v.Mount}, nil
}

func (p *fakeProvider) Release(_ context.Context, r *lifecycle.Resource) error {
	*p.events = append(*p.events, "release "+r.Volume.Name)
	return p.releaseErr[r.Volume.Name]
}

func (p *fakeProvider) Describe(v volume.Volume) ([]string, []string) {
	return []string{"acquire " + v.Name}, []string{"release " + v.Name}
}

type fakeSource struct {
	provider lifecycle.Provider
}

func (s *fakeSource) ProviderFor(volume.Kind) (lifecycle.Provider, error) {
	return s.provider, nil
}

type fakePipeline struct {
	events  *[]string
	results map[string]pipeline.Result
	hook    func(v volume.Volume)
}

func (p *fakePipeline) Run(_ context.Context, v volume.Volume, _ *lifecycle.Resource) pipeline.Result {
	*p.events = append(*p.events, "run "+v.Name)
	if p.hook != nil {
		p.hook(v)
	}
	if r, ok := p.results[v.Name]; ok {
		return r
	}
	return pipeline.Result{Completed: v.Actions}
}

func (p *fakePipeline) Describe(v volume.Volume) []string {
	return []string{pipeline.WouldPrefix + "run " + v.Name}
}

func simpleVolume(name string) volume.Volume {
	return volume.Volume{
		Name:    name,
		Kind:    volume.KindSimple,
		Mount:   "/" + name,
		Actions: []volume.Action{volume.ActionIntegrity, volume.ActionBackup},
	}
}

func failure(step string) pipeline.Result {
	failed := volume.ActionBackup
	return pipeline.Result{
		Completed: []volume.Action{volume.ActionIntegrity},
		Failed:    &failed,
		Err:       &pipeline.Error{Volume: "x", Step: step, Err: errInjected},
	}
}

var _ = Describe("Orchestrator", func() {
	var (
		ctx      context.Context
		events   []string
		provider *fakeProvider
		pipe     *fakePipeline
		registry *prometheus.Registry
		orch     *Orchestrator
	)

	BeforeEach(func() {
		ctx = log.IntoContext(context.Background(), log.Log)
		events = nil
		provider = &fakeProvider{events: &events, acquireErr: map[string]error{}, releaseErr: map[string]error{}}
		pipe = &fakePipeline{events: &events, results: map[string]pipeline.Result{}}
		registry = prometheus.NewRegistry()
		orch = &Orchestrator{
			Providers: &fakeSource{provider: provider},
			Pipeline:  pipe,
			Metrics:   metrics.NewRecorder(registry),
			Now:       func() time.Time { return testNow },
		}
	})

	It("should back up every volume in order", func() {
		summary := orch.RunAll(ctx, []volume.Volume{simpleVolume("a"), simpleVolume("b")})

		Expect(summary.Failed()).To(Equal(0))
		Expect(summary.Err()).NotTo(HaveOccurred())
		Expect(summary.RunID).NotTo(BeEmpty())
		Expect(events).To(Equal([]string{"acquire a", "run a", "release a", "acquire b", "run b", "release b"}))
		Expect(summary.Outcomes[0].Completed).To(Equal([]volume.Action{volume.ActionIntegrity, volume.ActionBackup}))
	})

	It("should isolate a failing acquire from the other volumes", func() {
		provider.acquireErr["b"] = &lifecycle.Error{Volume: "b", Op: lifecycle.OpAcquire, Err: lifecycle.ErrSnapshotExists}

		summary := orch.RunAll(ctx, []volume.Volume{simpleVolume("a"), simpleVolume("b"), simpleVolume("c")})

		Expect(events).To(Equal([]string{
			"acquire a", "run a", "release a",
			"acquire b",
			"acquire c", "run c", "release c",
		}))
		Expect(summary.Failed()).To(Equal(1))
		Expect(summary.Outcomes[1].Stage).To(Equal(StageAcquire))
		Expect(summary.Outcomes[1].Err).To(MatchError(lifecycle.ErrSnapshotExists))
		Expect(summary.Outcomes[2].Succeeded()).To(BeTrue())
	})

	It("should run every action of the next volume after a pipeline failure", func() {
		pipe.results["a"] = failure("borg")
		b := simpleVolume("b")

		summary := orch.RunAll(ctx, []volume.Volume{simpleVolume("a"), b})

		Expect(events).To(Equal([]string{"acquire a", "run a", "release a", "acquire b", "run b", "release b"}))
		Expect(summary.Failed()).To(Equal(1))
		Expect(summary.Outcomes[0].Stage).To(Equal(StagePipeline))
		Expect(summary.Outcomes[1].Succeeded()).To(BeTrue())
		Expect(summary.Outcomes[1].Completed).To(Equal(b.Actions))
	})

	It("should release after a pipeline failure", func() {
		pipe.results["a"] = failure("borg")

		summary := orch.RunAll(ctx, []volume.Volume{simpleVolume("a")})

		Expect(events).To(Equal([]string{"acquire a", "run a", "release a"}))
		out := summary.Outcomes[0]
		Expect(out.Stage).To(Equal(StagePipeline))
		Expect(out.Err).To(MatchError(errInjected))
		Expect(out.Completed).To(Equal([]volume.Action{volume.ActionIntegrity}))

		Expect(testutil.GatherAndCompare(registry, strings.NewReader(`
		# HELP snapback_action_total Number of actions run by result
		# TYPE snapback_action_total counter
		snapback_action_total{action="borg",result="failure",volume="a"} 1
		snapback_action_total{action="rsure",result="success",volume="a"} 1
		`), "snapback_action_total")).To(Succeed())
	})

	It("should report a release failure after a successful pipeline", func() {
		provider.releaseErr["a"] = errInjected

		summary := orch.RunAll(ctx, []volume.Volume{simpleVolume("a")})

		Expect(summary.Outcomes[0].Stage).To(Equal(StageRelease))
		Expect(summary.Outcomes[0].Err).To(MatchError(errInjected))
		Expect(testutil.GatherAndCompare(registry, strings.NewReader(`
		# HELP snapback_volume_leaked_total Number of releases that left snapshots, clones or mounts behind
		# TYPE snapback_volume_leaked_total counter
		snapback_volume_leaked_total{volume="a"} 1
		`), "snapback_volume_leaked_total")).To(Succeed())
	})

	It("should keep the pipeline error when the release also fails", func() {
		pipe.results["a"] = failure("borg")
		releaseErr := errors.New("umount failed")
		provider.releaseErr["a"] = releaseErr

		summary := orch.RunAll(ctx, []volume.Volume{simpleVolume("a")})

		out := summary.Outcomes[0]
		Expect(out.Stage).To(Equal(StagePipeline))
		Expect(out.Err).To(MatchError(errInjected))
		Expect(out.Err).To(MatchError(releaseErr))
	})

	It("should not touch anything when a volume is misconfigured", func() {
		bad := volume.Volume{
			Name:    "root",
			Kind:    volume.KindLVM,
			Mount:   "/",
			Actions: []volume.Action{volume.ActionBackup, volume.ActionPrepare},
			LVM:     &volume.LVMSource{SnapMount: "/mnt/snap/root", VolumeGroup: "vg0", LogicalVolume: "root", SnapshotLogicalVolume: "root_snap"},
		}

		summary := orch.RunAll(ctx, []volume.Volume{simpleVolume("a"), bad})

		Expect(events).To(BeEmpty())
		Expect(summary.Outcomes[0].Stage).To(Equal(StageSkipped))
		Expect(summary.Outcomes[1].Stage).To(Equal(StageValidate))
		Expect(config.IsConfigError(summary.Outcomes[1].Err)).To(BeTrue())
		Expect(summary.Outcomes[1].Err).To(MatchError(volume.ErrNotPrepared))
		Expect(summary.Failed()).To(Equal(2))
	})

	It("should stop between volumes when cancelled and still release", func() {
		cctx, cancel := context.WithCancel(ctx)
		defer cancel()
		pipe.hook = func(v volume.Volume) {
			if v.Name == "a" {
				cancel()
			}
		}

		summary := orch.RunAll(cctx, []volume.Volume{simpleVolume("a"), simpleVolume("b")})

		Expect(events).To(Equal([]string{"acquire a", "run a", "release a"}))
		Expect(summary.Outcomes[0].Succeeded()).To(BeTrue())
		Expect(summary.Outcomes[1].Stage).To(Equal(StageSkipped))
		Expect(summary.Outcomes[1].Err).To(MatchError(context.Canceled))
		Expect(summary.Outcomes[1].Err).To(MatchError(ErrSkipped))
	})

	It("should describe without running anything", func() {
		lines := orch.Describe([]volume.Volume{simpleVolume("a")})

		Expect(events).To(BeEmpty())
		Expect(lines).To(Equal([]string{
			"volume a (simple):",
			"would: acquire a",
			"would: run a",
			"would: release a",
		}))
	})

	It("should print a summary line per volume", func() {
		pipe.results["b"] = failure("borg")
		summary := orch.RunAll(ctx, []volume.Volume{simpleVolume("a"), simpleVolume("b")})

		var buf bytes.Buffer
		summary.Print(&buf)
		out := buf.String()
		Expect(out).To(ContainSubstring("run " + summary.RunID))
		Expect(out).To(MatchRegexp(`ok\s+a\s+simple`))
		Expect(out).To(MatchRegexp(`FAILED\s+b\s+simple\s+pipeline: volume x: borg: injected failure`))
		Expect(out).To(ContainSubstring("1 of 2 volumes failed"))
	})
})

type fakeLVM struct {
	removeErr error
}

func (f *fakeLVM) Exists(context.Context, string, string) (bool, error)               { return false, nil }
func (f *fakeLVM) CreateSnapshot(context.Context, string, string, string, string) error { return nil }
func (f *fakeLVM) RemoveVolume(context.Context, string, string) error                   { return f.removeErr }
func (f *fakeLVM) CheckSnapshot(context.Context, string, string) error                  { return nil }

type fakeMounter struct {
	unmountErr error
}

func (f *fakeMounter) Mount(context.Context, string, string, string) error { return nil }
func (f *fakeMounter) Unmount(context.Context, string) error              { return f.unmountErr }

var _ = Describe("Leaked resources", func() {
	It("should be logged loudly with what was left behind", func() {
		core, logs := observer.New(zapcore.ErrorLevel)
		ctx := log.IntoContext(context.Background(), zapr.NewLogger(zap.New(core)))

		p := lifecycle.NewLVMProvider(&fakeLVM{}, &fakeMounter{unmountErr: errInjected}, afero.NewMemMapFs(), false, nil)
		orch := &Orchestrator{
			Providers: &lifecycle.Providers{LVM: p},
			Pipeline:  &fakePipeline{events: &[]string{}},
		}
		root := volume.Volume{
			Name:    "root",
			Kind:    volume.KindLVM,
			Mount:   "/",
			Actions: []volume.Action{volume.ActionPrepare},
			LVM: &volume.LVMSource{
				SnapMount: "/mnt/snap/root", VolumeGroup: "vg0", LogicalVolume: "root",
				SnapshotLogicalVolume: "root_snap", FilesystemType: "ext4",
			},
		}

		summary := orch.RunAll(ctx, []volume.Volume{root})

		out := summary.Outcomes[0]
		Expect(out.Stage).To(Equal(StageRelease))
		var terr *lifecycle.TeardownError
		Expect(errors.As(out.Err, &terr)).To(BeTrue())
		Expect(terr.Leaked).To(Equal([]string{"unmount /mnt/snap/root"}))

		leaked := logs.FilterMessageSnippet("LEAKED")
		Expect(leaked.Len()).To(Equal(1))
		Expect(leaked.All()[0].ContextMap()).To(HaveKeyWithValue("volume", "root"))
	})
})

const snapshotReport = `{"report":[{"lv":[
  {"lv_name":"root_snap","lv_path":"/dev/vg0/root_snap","lv_size":"5368709120",
   "origin":"root","origin_size":"21474836480","lv_attr":"swi-a-s---",
   "vg_name":"vg0","snap_percent":"3.00"}
]}]}`

// registeringMounter lets the fake mount table follow the mounts run through
// the fake exec.
type registeringMounter struct {
	*mounter.Mounter
	table *mountutil.FakeMounter
}

func (m *registeringMounter) Mount(ctx context.Context, device, target, fsType string) error {
	if err := m.Mounter.Mount(ctx, device, target, fsType); err != nil {
		return err
	}
	return m.table.Mount(device, target, fsType, nil)
}

var _ = Describe("An LVM root volume", func() {
	It("should be snapshotted, scanned, archived and cleaned up", func() {
		ctx := log.IntoContext(context.Background(), log.Log)
		dir := GinkgoT().TempDir()
		live := filepath.Join(dir, "live")
		snap := filepath.Join(dir, "snap", "root")
		Expect(os.MkdirAll(live, 0o755)).To(Succeed())
		Expect(os.MkdirAll(snap, 0o755)).To(Succeed())
		Expect(os.WriteFile(filepath.Join(snap, "2sure.dat.gz"), []byte("fresh manifest"), 0o600)).To(Succeed())
		Expect(os.WriteFile(filepath.Join(live, "2sure.dat.gz"), []byte("stale manifest"), 0o600)).To(Succeed())

		rec := testutils.NewRecorder(
			testutils.Call{Stderr: `  Failed to find logical volume "vg0/root_snap"`, Err: testutils.ExitStatus(5)},
			testutils.Call{},
			testutils.Call{},
			testutils.Call{},
			testutils.Call{},
			testutils.Call{},
			testutils.Call{Stdout: snapshotReport},
			testutils.Call{},
			testutils.Call{},
		)
		runner := command.NewRunner(rec.Exec)
		fs := afero.NewOsFs()
		clock := func() time.Time { return testNow }

		table := mountutil.NewFakeMounter(nil)
		p := lifecycle.NewLVMProvider(lvm.NewClient(runner, ""),
			&registeringMounter{Mounter: mounter.NewWithInterface(runner, table), table: table},
			fs, true, clock)
		p.WaitForDevice = func(context.Context, string) error { return nil }

		borg, err := tool.NewBorg(runner, "/usr/local/bin/borg-wrapper", "")
		Expect(err).NotTo(HaveOccurred())
		orch := &Orchestrator{
			Providers: &lifecycle.Providers{LVM: p},
			Pipeline: &pipeline.Executor{
				Backup:    borg,
				Integrity: tool.NewRsure(runner, "", fs),
				FS:        fs,
				Namer:     zfs.NewSnapNamer("snapback-"),
				Now:       clock,
			},
			Now: clock,
		}
		root := volume.Volume{
			Name:    "root",
			Kind:    volume.KindLVM,
			Mount:   live,
			Actions: []volume.Action{volume.ActionPrepare, volume.ActionIntegrity, volume.ActionBackup},
			LVM: &volume.LVMSource{
				SnapMount: snap, VolumeGroup: "vg0", LogicalVolume: "root",
				SnapshotLogicalVolume: "root_snap", FilesystemType: "ext4", SnapshotSize: "5g",
			},
		}

		summary := orch.RunAll(ctx, []volume.Volume{root})
		Expect(summary.Err()).NotTo(HaveOccurred())

		lvs := []string{"/sbin/lvm", "lvs", "vg0/root_snap", "-o",
			"lv_name,lv_path,lv_size,origin,origin_size,lv_attr,vg_name,snap_percent",
			"--units", "b", "--nosuffix", "--reportformat", "json"}
		Expect(rec.Argv()).To(Equal([][]string{
			lvs,
			{"/sbin/lvm", "lvcreate", "-L", "5g", "-s", "-n", "root_snap", "vg0/root"},
			{"mkdir", "-p", snap},
			{"mount", "-t", "ext4", "-o", "noatime", "/dev/vg0/root_snap", snap},
			{"rsure", "-f", filepath.Join(snap, "2sure.dat.gz"), "-d", snap, "--tag", "name=20240304T050607", "update"},
			{"/usr/local/bin/borg-wrapper", "create", "--exclude-caches", "-x", "--stat", "--progress", "::root-20240304T050607", snap},
			lvs,
			{"umount", snap},
			{"/sbin/lvm", "lvremove", "-f", "vg0/root_snap"},
		}))

		manifest, err := os.ReadFile(filepath.Join(live, "2sure.dat.gz"))
		Expect(err).NotTo(HaveOccurred())
		Expect(string(manifest)).To(Equal("fresh manifest"))
		stamp, err := os.ReadFile(filepath.Join(live, "snapstamp"))
		Expect(err).NotTo(HaveOccurred())
		Expect(string(stamp)).To(Equal(fmt.Sprintf("Backup timestamp %s\n", testNow.Format(time.RFC3339))))
	})
})
