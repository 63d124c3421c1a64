package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/joho/godotenv"

	"ravn/internal/config"
	"ravn/internal/credentials"
	"ravn/internal/database"
	"ravn/internal/models"
	"ravn/internal/repository"
	"ravn/internal/search"
)

// 诊断工具：检视本地数据库、凭据后端和搜索索引的状态，
// 排查同步问题时不用翻SQLite文件。
func main() {
	query := flag.String("search", "", "run a search query against the local index")
	flag.Parse()

	if err := godotenv.Load(".env.local"); err != nil {
		if err := godotenv.Load(".env"); err != nil {
			log.Println("No .env file found, using system environment variables")
		}
	}

	cfg := config.Load()
	fmt.Printf("Data directory: %s\n", cfg.Data.Dir)
	fmt.Printf("Database:       %s\n", cfg.Data.DatabasePath)
	fmt.Printf("Search index:   %s\n", cfg.Data.SearchIndexDir)
	fmt.Println()

	db, err := database.Initialize(cfg.Data.DatabasePath)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}

	key, err := credentials.LoadOrCreateKey(cfg.Data.KeyFilePath)
	if err != nil {
		log.Fatalf("Failed to load encryption key: %v", err)
	}
	creds, err := credentials.NewStore(db, key)
	if err != nil {
		log.Fatalf("Failed to open credential store: %v", err)
	}
	fmt.Printf("Credential backend: %s\n\n", creds.BackendName())

	ctx := context.Background()
	accounts := repository.NewAccountRepository(db)
	folders := repository.NewFolderRepository(db)

	list, err := accounts.List(ctx)
	if err != nil {
		log.Fatalf("Failed to list accounts: %v", err)
	}
	fmt.Printf("Accounts: %d\n", len(list))
	for i := range list {
		account := &list[i]
		has, _ := creds.HasCredentials(ctx, account.ID)
		fmt.Printf("  %s (%s, provider=%s, credentials=%t)\n",
			account.Email, account.ID, account.Provider, has)

		accountFolders, err := folders.ListByAccount(ctx, account.ID)
		if err != nil {
			fmt.Printf("    failed to list folders: %v\n", err)
			continue
		}
		for j := range accountFolders {
			f := &accountFolders[j]
			marker := ""
			if f.IsHidden {
				marker = " [hidden]"
			}
			fmt.Printf("    %-30s type=%-8s total=%-6d unread=%-6d%s\n",
				f.Name, f.Type, f.TotalEmails, f.UnreadEmails, marker)
		}
	}

	var counts struct {
		Emails      int64
		HeadersOnly int64
		Errors      int64
		Deleted     int64
	}
	db.Model(&models.Email{}).Count(&counts.Emails)
	db.Model(&models.Email{}).Where("sync_status = ?", models.EmailSyncHeadersOnly).Count(&counts.HeadersOnly)
	db.Model(&models.Email{}).Where("sync_status = ?", models.EmailSyncError).Count(&counts.Errors)
	db.Model(&models.Email{}).Where("is_deleted = ?", true).Count(&counts.Deleted)
	fmt.Printf("\nEmails: %d total, %d headers-only, %d errored, %d soft-deleted\n",
		counts.Emails, counts.HeadersOnly, counts.Errors, counts.Deleted)

	if *query == "" {
		return
	}

	index, err := search.Open(cfg.Data.SearchIndexDir)
	if err != nil {
		log.Fatalf("Failed to open search index: %v", err)
	}
	defer index.Close()

	result, err := index.Search(ctx, search.Request{Query: *query, Limit: 10})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Search failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("\nSearch %q: %d hits in %s\n", *query, result.Total, result.Took)
	for _, hit := range result.Hits {
		fmt.Printf("  %s score=%.3f\n", hit.ID, hit.Score)
	}
}
