package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/zeek/zeek-benchmarker/pkg/docker"
	"github.com/zeek/zeek-benchmarker/pkg/podman"
)

var forceCleanup bool

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove dangling benchmarker containers and volumes",
	Long: `Remove all containers and install volumes created by zeek-benchmarker.
This is useful for cleaning up after a worker was killed while running a job.`,
	RunE: runCleanup,
}

func init() {
	rootCmd.AddCommand(cleanupCmd)
	cleanupCmd.Flags().BoolVarP(&forceCleanup, "force", "f", false, "Skip confirmation prompt")
}

// managedContainer associates a container with the manager that owns it.
type managedContainer struct {
	info docker.ContainerInfo
	mgr  docker.ContainerManager
}

// managedVolume associates a volume with the manager that owns it.
type managedVolume struct {
	info docker.VolumeInfo
	mgr  docker.ContainerManager
}

func runCleanup(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	managers := buildCleanupManagers(ctx)
	if len(managers) == 0 {
		return fmt.Errorf("no container runtimes available (tried Docker and Podman)")
	}

	defer func() {
		for _, mgr := range managers {
			if err := mgr.Stop(); err != nil {
				log.WithError(err).Warn("Failed to stop container manager")
			}
		}
	}()

	return performCleanup(ctx, managers, forceCleanup)
}

// performCleanup lists and removes all benchmarker resources across all
// provided container managers (runtimes).
func performCleanup(ctx context.Context, managers []docker.ContainerManager, force bool) error {
	var (
		containers []managedContainer
		volumes    []managedVolume
	)

	for _, mgr := range managers {
		cl, err := mgr.ListContainers(ctx)
		if err != nil {
			log.WithError(err).Warn("Failed to list containers from a runtime")
		}

		for _, c := range cl {
			containers = append(containers, managedContainer{info: c, mgr: mgr})
		}

		vl, err := mgr.ListVolumes(ctx)
		if err != nil {
			log.WithError(err).Warn("Failed to list volumes from a runtime")
		}

		for _, v := range vl {
			volumes = append(volumes, managedVolume{info: v, mgr: mgr})
		}
	}

	if len(containers) == 0 && len(volumes) == 0 {
		log.Info("No benchmarker resources found")

		return nil
	}

	if len(containers) > 0 {
		fmt.Printf("\nContainers to be removed (%d):\n", len(containers))

		for _, c := range containers {
			fmt.Printf("  - %s (%s)\n", c.info.Name, docker.ShortID(c.info.ID))
		}
	}

	if len(volumes) > 0 {
		fmt.Printf("\nVolumes to be removed (%d):\n", len(volumes))

		for _, v := range volumes {
			fmt.Printf("  - %s\n", v.info.Name)
		}
	}

	fmt.Println()

	if !force {
		fmt.Print("Are you sure you want to remove these resources? [y/N] ")

		reader := bufio.NewReader(os.Stdin)

		response, err := reader.ReadString('\n')
		if err != nil {
			return fmt.Errorf("reading response: %w", err)
		}

		response = strings.TrimSpace(strings.ToLower(response))
		if response != "y" && response != "yes" {
			log.Info("Cleanup cancelled")

			return nil
		}
	}

	// Containers hold references to volumes, remove them first.
	for _, c := range containers {
		log.WithField("container", c.info.Name).Info("Removing container")

		if err := c.mgr.RemoveContainer(ctx, c.info.ID); err != nil {
			log.WithError(err).WithField("container", c.info.Name).Warn("Failed to remove container")
		}
	}

	for _, v := range volumes {
		log.WithField("volume", v.info.Name).Info("Removing volume")

		if err := v.mgr.RemoveVolume(ctx, v.info.Name); err != nil {
			log.WithError(err).WithField("volume", v.info.Name).Warn("Failed to remove volume")
		}
	}

	log.Info("Cleanup completed")

	return nil
}

// buildCleanupManagers tries to create and start container managers for both
// Docker and Podman. Runtimes that are unavailable (e.g. socket missing) are
// skipped. The caller is responsible for stopping all returned managers.
func buildCleanupManagers(ctx context.Context) []docker.ContainerManager {
	managers := make([]docker.ContainerManager, 0, 2)

	dockerMgr, err := docker.NewManager(log)
	if err != nil {
		log.WithError(err).Debug("Docker runtime not available for cleanup")
	} else if err := dockerMgr.Start(ctx); err != nil {
		log.WithError(err).Debug("Failed to start Docker manager for cleanup")
	} else {
		managers = append(managers, dockerMgr)
	}

	podmanMgr, err := podman.NewManager(log, os.Getenv("CONTAINER_HOST"))
	if err != nil {
		log.WithError(err).Debug("Podman runtime not available for cleanup")
	} else if err := podmanMgr.Start(ctx); err != nil {
		log.WithError(err).Debug("Failed to start Podman manager for cleanup")
	} else {
		managers = append(managers, podmanMgr)
	}

	return managers
}
