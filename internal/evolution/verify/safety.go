package verify

import "github.com/forgeworks-ai/evogate/api/schemas"

// destructiveOps cannot be undone without restoring data from elsewhere.
var destructiveOps = map[schemas.OperationType]bool{
	schemas.OpDropTable:     true,
	schemas.OpDropColumn:    true,
	schemas.OpTruncateTable: true,
}

// reversibleOps can be compensated with a plain inverse operation, which
// counts as a built-in backup plan.
var reversibleOps = map[schemas.OperationType]bool{
	schemas.OpCreateTable: true,
	schemas.OpAddColumn:   true,
	schemas.OpCreateIndex: true,
}

// PerformSafetyChecks classifies an operation by type alone. Pure and
// I/O-free: same operation in, same checks out.
func PerformSafetyChecks(op schemas.SchemaOperation) schemas.SafetyChecks {
	return schemas.SafetyChecks{
		IsDestructive: destructiveOps[op.Type],
		HasBackupPlan: reversibleOps[op.Type],
	}
}
