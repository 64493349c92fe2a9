/**
 * @description
 * Operator script for VMs in the provisioning API. Useful to inspect a
 * server, clean up a VM left behind by a failed deletion, or rotate its
 * root password.
 *
 * Usage:
 *   go run ./cmd/vmctl <info|delete|password|reinstall> <vm-id> [os-id]
 *
 * Example:
 *   go run ./cmd/vmctl delete 4211
 *
 * @dependencies
 * - Environment variables: VMM_ENDPOINT_URL, VMM_EMAIL, VMM_PASSWORD
 */

package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/driphost/billing-service/pkg/vmmanager"
)

func usage() {
	fmt.Println("Usage: go run ./cmd/vmctl <info|delete|password|reinstall> <vm-id> [os-id]")
	fmt.Println("Example: go run ./cmd/vmctl delete 4211")
	os.Exit(1)
}

func main() {
	if len(os.Args) < 3 {
		usage()
	}
	command := os.Args[1]
	vmID, err := strconv.ParseInt(os.Args[2], 10, 64)
	if err != nil || vmID <= 0 {
		log.Fatalf("invalid vm id %q", os.Args[2])
	}

	// Missing files are fine; the environment may already be populated.
	for _, file := range []string{"../.env", ".env"} {
		_ = godotenv.Load(file)
	}

	client, err := vmmanager.NewClient(os.Getenv("VMM_ENDPOINT_URL"), os.Getenv("VMM_EMAIL"), os.Getenv("VMM_PASSWORD"))
	if err != nil {
		log.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	fmt.Printf("Fetching VM information for ID: %d\n", vmID)
	info, err := client.GetInfo(ctx, vmID)
	if err != nil {
		log.Fatalf("Failed to fetch VM info: %v", err)
	}
	printInfo(info)

	switch command {
	case "info":
		return
	case "delete":
		if !confirm("Are you sure you want to delete this VM?") {
			fmt.Println("Deletion cancelled.")
			return
		}
		fmt.Printf("Deleting VM %d...\n", vmID)
		if err := client.DeleteVMWithRetry(ctx, vmID, 3, 2*time.Second); err != nil {
			log.Fatalf("Failed to delete VM: %v", err)
		}
		fmt.Printf("Successfully deleted VM %d\n", vmID)
	case "password":
		if !confirm("Generate a new root password for this VM?") {
			fmt.Println("Cancelled.")
			return
		}
		password, err := client.ChangePassword(ctx, vmID)
		if err != nil {
			log.Fatalf("Failed to change password: %v", err)
		}
		fmt.Printf("New password: %s\n", password)
	case "reinstall":
		if len(os.Args) < 4 {
			usage()
		}
		osID, err := strconv.ParseInt(os.Args[3], 10, 64)
		if err != nil || osID <= 0 {
			log.Fatalf("invalid os id %q", os.Args[3])
		}
		if !confirm(fmt.Sprintf("Reinstall this VM with OS %d? All data will be lost.", osID)) {
			fmt.Println("Reinstall cancelled.")
			return
		}
		password, err := client.ReinstallOS(ctx, vmID, osID)
		if err != nil {
			log.Fatalf("Failed to reinstall VM: %v", err)
		}
		fmt.Printf("Reinstall started. New password: %s\n", password)
		fmt.Println("Remember to record the new OS on the server row if the billing service did not start this.")
	default:
		usage()
	}
}

func printInfo(info *vmmanager.HostInfo) {
	fmt.Printf("VM Details:\n")
	fmt.Printf("  ID: %d\n", info.ID)
	fmt.Printf("  Name: %s\n", info.Name)
	fmt.Printf("  State: %s\n", info.State)
	fmt.Printf("  IPv4: %s\n", info.IPAddr)
	fmt.Printf("  OS: %s (%d)\n", info.OS.Name, info.OS.ID)
}

func confirm(question string) bool {
	fmt.Printf("\n%s (yes/no): ", question)
	var answer string
	fmt.Scanln(&answer)
	return answer == "yes"
}
