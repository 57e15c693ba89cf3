package app

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/viper"
	snapback "github.com/topolvm/snapback"
	"github.com/topolvm/snapback/internal/command"
	"github.com/topolvm/snapback/internal/config"
	"github.com/topolvm/snapback/internal/filesystem"
	"github.com/topolvm/snapback/internal/lifecycle"
	"github.com/topolvm/snapback/internal/lvm"
	"github.com/topolvm/snapback/internal/metrics"
	"github.com/topolvm/snapback/internal/mounter"
	"github.com/topolvm/snapback/internal/orchestrator"
	"github.com/topolvm/snapback/internal/pipeline"
	"github.com/topolvm/snapback/internal/tool"
	"github.com/topolvm/snapback/internal/volume"
	"github.com/topolvm/snapback/internal/zfs"
	utilexec "k8s.io/utils/exec"
	mountutil "k8s.io/mount-utils"
)

// deps are the process-wide handles every command is built from.
type deps struct {
	exec   utilexec.Interface
	fs     afero.Fs
	mounts mountutil.Interface
	now    func() time.Time
}

func systemDeps() *deps {
	return &deps{
		exec:   utilexec.New(),
		fs:     afero.NewOsFs(),
		mounts: mountutil.New(""),
		now:    time.Now,
	}
}

func (d *deps) runner(g config.Global) *command.Runner {
	return command.NewRunner(d.exec, command.WithPrefix(command.SudoPrefix(g.Sudo)...))
}

func (d *deps) keepSudoAlive(ctx context.Context, g config.Global) error {
	if len(command.SudoPrefix(g.Sudo)) == 0 {
		return nil
	}
	return command.KeepSudoAlive(ctx, d.runner(g))
}

func loadConfig(ctx context.Context, v *viper.Viper) (*config.Config, error) {
	cfg, err := config.Load(ctx, v.GetString(configKey))
	if err != nil {
		return nil, err
	}
	if v.IsSet(sudoKey) {
		cfg.Global.Sudo = v.GetBool(sudoKey)
	}
	return cfg, nil
}

func selectVolumes(volumes []volume.Volume, patterns []string) ([]volume.Volume, error) {
	selected, err := volume.Filter(volumes, patterns)
	if err != nil {
		return nil, err
	}
	if len(selected) == 0 {
		return nil, fmt.Errorf("no volume matches %v", patterns)
	}
	return selected, nil
}

// newOrchestrator wires the tool adapters, providers and pipeline for g.
// rec may be nil.
func (d *deps) newOrchestrator(g config.Global, rec *metrics.Recorder) (*orchestrator.Orchestrator, error) {
	runner := d.runner(g)
	now := lifecycle.Clock(d.now)
	namer := zfs.NewSnapNamer(snapback.SnapshotPrefix)
	zfsClient := zfs.NewClient(runner, g.ZFSPath)

	lvmProvider := lifecycle.NewLVMProvider(lvm.NewClient(runner, g.LVMPath), mounter.NewWithInterface(runner, d.mounts), d.fs, g.Stamp, now)
	lvmProvider.WaitForDevice = func(ctx context.Context, device string) error {
		return filesystem.WaitForDevice(ctx, device, filesystem.DevicePollInterval, filesystem.DeviceTimeout)
	}
	lvmProvider.DetectFilesystem = func(ctx context.Context, device string) (string, error) {
		return filesystem.DetectFilesystem(ctx, runner, device)
	}

	findMount := func(dataset string) (string, error) {
		return zfs.FindMount(d.mounts, dataset)
	}

	executor := &pipeline.Executor{
		Integrity:  tool.NewRsure(runner, g.RsurePath, d.fs),
		Syncer:     tool.NewRsync(runner, g.RsyncPath),
		ZFS:        zfsClient,
		Replicator: &pipeline.ZFSReplicator{Client: zfsClient},
		FS:         d.fs,
		Namer:      namer,
		Now:        now,
	}
	if g.BorgWrapper != "" {
		borg, err := tool.NewBorg(runner, g.BorgWrapper, g.BorgEnvFile)
		if err != nil {
			return nil, err
		}
		executor.Backup = borg
	}

	return &orchestrator.Orchestrator{
		Providers: &lifecycle.Providers{
			Simple: lifecycle.NewSimpleProvider(d.fs, g.Stamp, now),
			LVM:    lvmProvider,
			ZFS:    lifecycle.NewZFSProvider(zfsClient, namer, findMount, d.fs, g.Stamp, now),
			Replica: &lifecycle.ReplicaProvider{
				ZFS:   func(host string) lifecycle.ZFS { return zfsClient.On(host) },
				Namer: namer,
				Now:   now,
			},
		},
		Pipeline: executor,
		Metrics:  rec,
		Now:      d.now,
	}, nil
}
