package native

import (
	"fmt"
	"os"
	"strings"

	"github.com/arkvisor/arkvisor/internal/config"
)

// launchArgs builds the server's argument vector: the ?-joined launch
// URL first, then dash options. Optional tokens are omitted entirely
// rather than emitted empty, because process identification matches
// these same tokens later.
func launchArgs(desc *config.Descriptor) []string {
	opts := []string{
		desc.Map,
		"listen",
		"SessionName=" + desc.SessionName(),
		fmt.Sprintf("Port=%d", desc.Ports.Game),
		fmt.Sprintf("QueryPort=%d", desc.Ports.Query),
	}

	if desc.Ports.RCON > 0 {
		opts = append(opts,
			"RCONEnabled=True",
			fmt.Sprintf("RCONPort=%d", desc.Ports.RCON),
		)
	}
	if desc.Credentials.ServerPassword != "" {
		opts = append(opts, "ServerPassword="+desc.Credentials.ServerPassword)
	}
	if desc.Credentials.AdminPassword != "" {
		opts = append(opts, "ServerAdminPassword="+desc.Credentials.AdminPassword)
	}
	if desc.MaxPlayers > 0 {
		opts = append(opts, fmt.Sprintf("MaxPlayers=%d", desc.MaxPlayers))
	}
	if desc.Cluster.Password != "" {
		opts = append(opts, "ClusterPassword="+desc.Cluster.Password)
	}

	args := []string{strings.Join(opts, "?")}

	if desc.Cluster.ID != "" {
		args = append(args, "-clusterid="+desc.Cluster.ID)
		if desc.Cluster.DataDir != "" {
			args = append(args, "-ClusterDirOverride="+desc.Cluster.DataDir)
		}
	}
	if desc.Paths.ConfigOverrideDir != "" {
		args = append(args, "-ConfigOverridePath="+desc.Paths.ConfigOverrideDir)
	}
	if desc.ExtraArgs != "" {
		args = append(args, strings.Fields(desc.ExtraArgs)...)
	}

	return args
}

// checkPaths verifies the descriptor's filesystem layout before a spawn
// is attempted.
func checkPaths(desc *config.Descriptor) error {
	info, err := os.Stat(desc.Paths.InstallDir)
	if err != nil || !info.IsDir() {
		return fmt.Errorf("%w: install directory %s", ErrPathNotFound, desc.Paths.InstallDir)
	}

	info, err = os.Stat(desc.Paths.Executable)
	if err != nil || info.IsDir() {
		return fmt.Errorf("%w: executable %s", ErrPathNotFound, desc.Paths.Executable)
	}

	return nil
}
