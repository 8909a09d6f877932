package ledger

import "time"

const (
	operationDebit   = "debit"
	operationCredit  = "credit"
	operationRefund  = "refund"
	operationBalance = "balance"
	operationList    = "list_transactions"

	// OperationStatusOK marks an applied mutation.
	OperationStatusOK = "ok"
	// OperationStatusRejected marks a debit refused for insufficient balance.
	OperationStatusRejected = "rejected"
	// OperationStatusDuplicate marks a credit whose external ref was already completed.
	OperationStatusDuplicate = "duplicate"
	// OperationStatusError marks a failed call.
	OperationStatusError = "error"

	defaultStoreTimeout = 3 * time.Second
	defaultListLimit    = 50
	maxListLimit        = 200
)
