package tool

import (
	"context"
	"fmt"
	"time"

	"github.com/joho/godotenv"
	snapback "github.com/topolvm/snapback"
	"github.com/topolvm/snapback/internal/command"
	"sigs.k8s.io/controller-runtime/pkg/log"
)

// Borg creates backup archives through an operator supplied wrapper script.
// The wrapper knows the repository and its credentials; Borg only names the
// archive and the path to back up.
type Borg struct {
	runner  *command.Runner
	wrapper string
}

// NewBorg returns a Borg invoking wrapper. When envFile is set, the variables
// it defines are passed to every wrapper invocation.
func NewBorg(runner *command.Runner, wrapper, envFile string) (*Borg, error) {
	if wrapper == "" {
		return nil, fmt.Errorf("no borg wrapper configured")
	}
	if envFile != "" {
		env, err := godotenv.Read(envFile)
		if err != nil {
			return nil, fmt.Errorf("reading borg environment %s: %w", envFile, err)
		}
		runner = runner.WithPreservedEnv(env)
	}
	return &Borg{runner: runner, wrapper: wrapper}, nil
}

// ArchiveName returns the archive name for a backup of name taken at now.
func ArchiveName(name string, now time.Time) string {
	return fmt.Sprintf("%s-%s", name, now.Format(snapback.TimestampLayout))
}

func archiveArgs(path, archive string) []string {
	return []string{"create", "--exclude-caches", "-x", "--stat", "--progress", "::" + archive, path}
}

// ArchiveArgv returns the command Archive would run.
func (b *Borg) ArchiveArgv(path, archive string) []string {
	return b.runner.Argv(b.wrapper, archiveArgs(path, archive)...)
}

// Archive backs up path into archive. borg reports its progress on the
// terminal, so its output is not captured.
func (b *Borg) Archive(ctx context.Context, path, archive string) error {
	log.FromContext(ctx).Info("running borg backup", "path", path, "archive", archive)
	return b.runner.Attached(ctx, b.wrapper, archiveArgs(path, archive)...)
}
