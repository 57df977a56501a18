package services

import (
	"fmt"
	"strings"

	"github.com/emberfell/scribeOS/internal/core/domain"
)

// defaultIdentity is the fallback system identity when none is configured.
const defaultIdentity = "You are Scribe, a data assistant. You answer questions about the connected database and perform record operations on the user's behalf."

// lowBudgetThreshold is the remaining-step count at which the prompt starts
// pushing the model toward a final answer.
const lowBudgetThreshold = 3

// TableSchema pairs a table name with its columns for prompt rendering.
type TableSchema struct {
	Name    string
	Columns []domain.TableColumn
}

// BuildSystemPrompt renders the system prompt from the configured identity and
// the live database schema. The schema block keeps the model from inventing
// table or column names.
func BuildSystemPrompt(identity string, schemas []TableSchema) string {
	if identity == "" {
		identity = defaultIdentity
	}

	var schemaBlock string
	if len(schemas) > 0 {
		var sb strings.Builder
		sb.WriteString("DATABASE SCHEMA:\n")
		for _, t := range schemas {
			sb.WriteString("- ")
			sb.WriteString(t.Name)
			sb.WriteString("(")
			for i, col := range t.Columns {
				if i > 0 {
					sb.WriteString(", ")
				}
				sb.WriteString(col.Name)
				sb.WriteString(" ")
				sb.WriteString(col.Type)
				if col.Nullable {
					sb.WriteString(" nullable")
				}
			}
			sb.WriteString(")\n")
		}
		schemaBlock = sb.String()
	} else {
		schemaBlock = "DATABASE SCHEMA: no user tables yet. Tell the user the database is empty instead of guessing at tables.\n"
	}

	return fmt.Sprintf(`%s

%s
RULES:
1. Answer questions about the data by calling tools. Never guess values you have not read.
2. Use the EXACT table and column names from the schema above. If unsure, call describe_table first.
3. Mutations (create_record, update_record, delete_record) are held for user confirmation before they run. State plainly what you are about to change.
4. When a tool reports an error, explain it to the user instead of repeating the same call unchanged.
5. For greetings or questions unrelated to the data, answer directly without tools.

EXAMPLES:

User: show me the open orders
Call read_records with {"table": "orders", "filters": {"status": "open"}}.

User: what columns does customers have?
Call describe_table with {"table": "customers"}.

User: remove order 42
Call delete_record with {"table": "orders", "filters": {"id": 42}}. The user will be asked to confirm before anything is deleted.`, identity, schemaBlock)
}

// BudgetNotice returns the prompt notice for the given remaining step budget.
// Empty while the budget is comfortable. Near exhaustion it warns the model,
// and on the last step it directs a plain-text answer (tools are withheld
// from that request entirely).
func BudgetNotice(stepsRemaining int) string {
	if stepsRemaining > lowBudgetThreshold {
		return ""
	}
	notice := fmt.Sprintf("NOTE: step budget is low (%d remaining). Prefer concluding from what you already observed over further tool calls.", stepsRemaining)
	if stepsRemaining <= 1 {
		notice += "\nFINAL STEP: tools are disabled for this reply. Answer the user now in plain text."
	}
	return notice
}
