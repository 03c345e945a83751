package ledger

import "context"

// Sweep marks positive entries whose expiry has passed asOf as expired, in
// bounded batches so an interrupted run can resume. Re-running over the same
// window is a no-op: expired is set once and never unset, and entries already
// marked drop out of the scan. It returns the number of entries expired.
//
// The mark only blocks future consumption; a balance read or lot consumption
// that committed before the mark is unaffected.
func (service *Service) Sweep(ctx context.Context, asOfUnixUTC int64) (int64, error) {
	if asOfUnixUTC == 0 {
		asOfUnixUTC = service.nowFn()
	}
	var (
		total  int64
		cursor string
	)
	for {
		count, lastEntryID, err := service.store.ExpireBatch(ctx, asOfUnixUTC, cursor, service.sweepBatchSize)
		if err != nil {
			service.logOperation(ctx, OperationLog{Operation: operationSweep, Error: err})
			return total, err
		}
		total += count
		if count == 0 || lastEntryID == "" {
			break
		}
		cursor = lastEntryID
	}
	service.logOperation(ctx, OperationLog{Operation: operationSweep, Amount: Credits(total)})
	return total, nil
}
