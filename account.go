package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/icloud-go/internal/config"
)

func newDevicesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "List the devices signed in to the account",
		Args:  cobra.NoArgs,
		RunE:  runDevices,
	}
}

func newStorageCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "storage",
		Short: "Show iCloud storage usage",
		Args:  cobra.NoArgs,
		RunE:  runStorage,
	}
}

type deviceList struct {
	Devices []struct {
		Name              string `json:"name"`
		ModelDisplayName  string `json:"modelDisplayName"`
		DeviceDisplayName string `json:"deviceDisplayName,omitempty"`
		SerialNumber      string `json:"serialNumber,omitempty"`
	} `json:"devices"`
}

type storageUsage struct {
	StorageUsageInfo struct {
		TotalStorageInBytes int64 `json:"totalStorageInBytes"`
		UsedStorageInBytes  int64 `json:"usedStorageInBytes"`
	} `json:"storageUsageInfo"`
}

func runDevices(cmd *cobra.Command, _ []string) error {
	sess, err := newCLISession(cmd.Context())
	if err != nil {
		return err
	}
	defer sess.Close()

	var list deviceList
	if err := sess.Service.InvokeInto(cmd.Context(), config.OpAccountDevices, nil, &list); err != nil {
		return err
	}

	if flagJSON {
		return printJSON(cmd.OutOrStdout(), list.Devices)
	}

	rows := make([][]string, 0, len(list.Devices))
	for _, d := range list.Devices {
		rows = append(rows, []string{d.Name, d.ModelDisplayName})
	}

	printTable(cmd.OutOrStdout(), []string{"NAME", "MODEL"}, rows)

	return nil
}

func runStorage(cmd *cobra.Command, _ []string) error {
	sess, err := newCLISession(cmd.Context())
	if err != nil {
		return err
	}
	defer sess.Close()

	var usage storageUsage
	if err := sess.Service.InvokeInto(cmd.Context(), config.OpAccountStorage, nil, &usage); err != nil {
		return err
	}

	info := usage.StorageUsageInfo

	if flagJSON {
		return printJSON(cmd.OutOrStdout(), map[string]int64{
			"total_bytes": info.TotalStorageInBytes,
			"used_bytes":  info.UsedStorageInBytes,
		})
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Used %s of %s (%s free)\n",
		formatSize(info.UsedStorageInBytes),
		formatSize(info.TotalStorageInBytes),
		formatSize(info.TotalStorageInBytes-info.UsedStorageInBytes))

	return nil
}
