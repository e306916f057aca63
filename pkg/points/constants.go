package points

const (
	operationEarn  = "earn"
	operationUse   = "use"
	operationAudit = "audit"

	operationStatusOK    = "ok"
	operationStatusError = "error"

	defaultApplyAttempts = 4
)
