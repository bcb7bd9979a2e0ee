package main

import (
	"fmt"
	"os"

	"github.com/johnwfy/flamingo/internal/store"
)

// RunCLI handles subcommand execution. Returns true if a subcommand was
// handled.
func RunCLI(args []string, dbPath string) bool {
	if len(args) == 0 {
		return false
	}

	switch args[0] {
	case "version":
		fmt.Printf("flamingo chatserver %s\n", Version)
		return true
	case "status":
		return cliStatus(dbPath)
	case "users":
		return cliUsers(args[1:], dbPath)
	case "backup":
		return cliBackup(args[1:], dbPath)
	default:
		return false
	}
}

func openStoreOrExit(dbPath string) *store.Store {
	st, err := store.New(dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error opening database: %v\n", err)
		os.Exit(1)
	}
	return st
}

func cliStatus(dbPath string) bool {
	st := openStoreOrExit(dbPath)
	defer st.Close()

	n, _ := st.UserCount()
	fmt.Printf("Database: %s\n", dbPath)
	fmt.Printf("Users: %d\n", n)
	fmt.Printf("Version: %s\n", Version)
	return true
}

func cliUsers(args []string, dbPath string) bool {
	st := openStoreOrExit(dbPath)
	defer st.Close()

	limit := 100
	if len(args) > 0 && args[0] == "all" {
		limit = 1 << 30
	}
	users, err := st.AllUsers(limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error listing users: %v\n", err)
		os.Exit(1)
	}
	for _, u := range users {
		fmt.Printf("%-10d %-20s %s\n", u.UserID, u.Username, u.Nickname)
	}
	if len(users) == 0 {
		fmt.Println("no users registered")
	}
	return true
}

func cliBackup(args []string, dbPath string) bool {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: chatserver backup <dest-path>")
		os.Exit(1)
	}
	st := openStoreOrExit(dbPath)
	defer st.Close()

	if err := st.Backup(args[0]); err != nil {
		fmt.Fprintf(os.Stderr, "backup failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("backup written to %s\n", args[0])
	return true
}
