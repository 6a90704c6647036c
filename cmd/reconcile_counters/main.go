package main

import (
	"log"

	"crm-automation/internal/config"
	"crm-automation/internal/database"
	"crm-automation/internal/models"
)

// Rebuilds each rule's total_executions and last_executed_at from the
// execution log. The counters are a cache over the log; run this after
// restoring a backup or repairing execution rows by hand.
func main() {
	cfg := config.LoadConfig()

	db, err := database.Open(cfg)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	var rules []models.ActionRule
	if err := db.Find(&rules).Error; err != nil {
		log.Fatalf("Failed to load rules: %v", err)
	}

	log.Printf("Reconciling counters for %d rules...", len(rules))

	for _, rule := range rules {
		var row struct {
			Total int64
			Last  *string
		}
		err := db.Model(&models.ActionExecution{}).
			Select("COUNT(*) as total, MAX(executed_at) as last").
			Where("rule_id = ? AND status = ?", rule.ID, models.StatusSuccess).
			Scan(&row).Error
		if err != nil {
			log.Printf("Error counting executions for rule %d: %v", rule.ID, err)
			continue
		}

		update := map[string]interface{}{"total_executions": row.Total}
		if row.Last != nil {
			update["last_executed_at"] = *row.Last
		}
		if err := db.Model(&models.ActionRule{}).Where("id = ?", rule.ID).Updates(update).Error; err != nil {
			log.Printf("Error updating rule %d: %v", rule.ID, err)
			continue
		}
		log.Printf("Rule %d: %d successful executions", rule.ID, row.Total)
	}

	log.Println("DONE!")
}
