package command

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"golang.org/x/sys/unix"
	"k8s.io/apimachinery/pkg/util/wait"
	"sigs.k8s.io/controller-runtime/pkg/log"
)

// SudoKeepaliveInterval is how often the sudo credential cache is refreshed.
const SudoKeepaliveInterval = time.Minute

var geteuid = unix.Geteuid

// SudoPrefix returns the command prefix needed to run privileged commands.
// Nothing is needed when sudo is disabled or the process already runs as root.
func SudoPrefix(enable bool) []string {
	if !enable || geteuid() == 0 {
		return nil
	}
	return []string{"sudo"}
}

// KeepSudoAlive validates the sudo credentials once, which may prompt for a
// password, and then refreshes them periodically until ctx is done so that
// long backups do not prompt again halfway through.
func KeepSudoAlive(ctx context.Context, r *Runner) error {
	if err := r.Unprivileged().Run(ctx, "sudo", "true"); err != nil {
		return fmt.Errorf("unable to run sudo: %w", err)
	}

	logger := log.FromContext(ctx).WithName("sudo")
	go wait.UntilWithContext(ctx, func(ctx context.Context) {
		if err := r.Unprivileged().Run(ctx, "sudo", "true"); err != nil && ctx.Err() == nil {
			logger.Error(err, "error running background sudo")
		}
	}, SudoKeepaliveInterval)
	return nil
}

// WithPreservedEnv returns a copy of r that passes env to its commands.
// sudo drops the caller's environment, so when r runs commands through sudo
// the variable names are whitelisted with --preserve-env.
func (r *Runner) WithPreservedEnv(env map[string]string) *Runner {
	if len(env) == 0 {
		return r.With()
	}
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, k+"="+env[k])
	}
	c := r.With(WithEnv(pairs...))
	if len(c.prefix) > 0 && c.prefix[0] == "sudo" {
		c.prefix = slices.Concat(c.prefix[:1], []string{"--preserve-env=" + strings.Join(keys, ",")}, c.prefix[1:])
	}
	return c
}
