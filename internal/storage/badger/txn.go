package badger

import (
	"errors"
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"
)

// txnRetries bounds how often a serialized transaction is re-run after a
// Badger SSI conflict. Conflicts are the expected outcome when two workers
// close tasks of the same stage at once; the loser re-reads and re-counts.
const txnRetries = 32

// runTxn executes fn inside a Badger read-write transaction, retrying on
// conflict. The retry re-runs fn from scratch, so fn must derive all its
// decisions from reads inside the transaction.
func runTxn(db *badgerdb.DB, fn func(txn *badgerdb.Txn) error) error {
	var err error
	for attempt := 0; attempt < txnRetries; attempt++ {
		err = db.Update(fn)
		if err == nil || !errors.Is(err, badgerdb.ErrConflict) {
			return err
		}
		time.Sleep(time.Duration(attempt+1) * time.Millisecond)
	}
	return err
}
