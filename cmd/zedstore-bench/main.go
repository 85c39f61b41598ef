// Command zedstore-bench is a small concurrency harness exercising
// insert/update/vacuum together against an in-memory table, in the shape
// of a bank-transfer stress test: N accounts, concurrent transfers
// between random pairs, a background reader checking that the sum of all
// balances never drifts.
package main

import (
	"encoding/binary"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zedstore/zedstore/embedded/bufmgr"
	"github.com/zedstore/zedstore/embedded/logger"
	"github.com/zedstore/zedstore/embedded/table"
	"github.com/zedstore/zedstore/embedded/undo"
	"github.com/zedstore/zedstore/embedded/zstid"
)

func exitOnErr(err error) {
	if err != nil {
		panic(err)
	}
}

func main() {
	numAccounts := flag.Int("num-accounts", 100, "number of accounts")
	balance := flag.Int("balance", 1000, "initial account balance")
	duration := flag.Duration("duration", 10*time.Second, "benchmark duration")
	vacuumEvery := flag.Duration("vacuum-every", 200*time.Millisecond, "vacuum interval")
	flag.Parse()

	log := logger.New("zedstore-bench")
	mgr := bufmgr.New()
	undoLog := undo.NewMemLog()

	tbl, err := table.Open(mgr, []string{"balance"}, table.WithLogger(log))
	exitOnErr(err)

	var xidCounter atomic.Uint64
	nextXid := func() uint64 { return xidCounter.Add(1) }

	accounts := createAccounts(tbl, undoLog, *numAccounts, *balance, nextXid)
	total := int64(*numAccounts) * int64(*balance)

	stop := make(chan struct{})
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			checkTotal(tbl, undoLog, total, nextXid())
			time.Sleep(10 * time.Millisecond)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(*vacuumEvery)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if err := tbl.Vacuum(1000); err != nil {
					log.Warningf("vacuum: %v", err)
				}
			}
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			makeTransfers(tbl, undoLog, accounts, nextXid)
		}
	}()

	time.Sleep(*duration)
	close(stop)
	wg.Wait()

	fmt.Fprintf(os.Stdout, "zedstore-bench: completed %d-account run over %s\n", *numAccounts, *duration)
}

// account tracks the current TID holding a row; transfers replace it via
// Table.Update, each time producing a fresh TID.
type account struct {
	mu  sync.Mutex
	tid zstid.ZSTid
}

func encodeBalance(v int64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(v))
	return b[:]
}

func decodeBalance(b []byte) int64 {
	return int64(binary.BigEndian.Uint64(b))
}

func createAccounts(tbl *table.Table, log *undo.MemLog, n, initialBalance int, nextXid func() uint64) []*account {
	xid := nextXid()
	accounts := make([]*account, n)
	for i := 0; i < n; i++ {
		tid, err := tbl.Insert(log, xid, 0, [][]byte{encodeBalance(int64(initialBalance))}, []bool{false}, false)
		exitOnErr(err)
		accounts[i] = &account{tid: tid}
	}
	log.CommitXid(xid)
	return accounts
}

// snapshotAsOf builds a read-your-own-writes snapshot for the given xid;
// the bundled MemSnapshot treats every entry whose xid <= asOf (and is
// committed) as visible, plus the caller's own xid's writes.
func snapshotAsOf(log *undo.MemLog, xid uint64) *undo.MemSnapshot {
	return undo.NewMemSnapshot(log, xid, xid)
}

func checkTotal(tbl *table.Table, log *undo.MemLog, want int64, xid uint64) {
	snap := snapshotAsOf(log, xid)
	s := tbl.Scan(snap, 1, zstid.MaxPlusOneZSTid)
	defer s.Close()

	var sum int64
	for {
		row, ok, err := s.Next()
		exitOnErr(err)
		if !ok {
			break
		}
		if row.IsNulls[0] {
			continue
		}
		sum += decodeBalance(row.Datums[0])
	}
	if sum != want {
		panic(fmt.Sprintf("zedstore-bench: total balance should be %d, but is %d", want, sum))
	}
}

func makeTransfers(tbl *table.Table, log *undo.MemLog, accounts []*account, nextXid func() uint64) {
	var wg sync.WaitGroup
	wg.Add(len(accounts))

	for range accounts {
		go func() {
			defer wg.Done()

			src := accounts[rand.Intn(len(accounts))]
			dst := accounts[rand.Intn(len(accounts))]
			if src == dst {
				return
			}
			amount := int64(1 + rand.Intn(10))
			xid := nextXid()
			snap := snapshotAsOf(log, xid)

			if !transferOnce(tbl, log, snap, xid, src, -amount) {
				return
			}
			if !transferOnce(tbl, log, snap, xid, dst, amount) {
				return
			}
			log.CommitXid(xid)
		}()
	}
	wg.Wait()
}

// transferOnce reads acc's current balance under snap, applies delta, and
// writes the change via Table.Update under xid; the caller commits xid. A TMOk result is required; any
// other outcome (concurrent modification) aborts this leg of the transfer
// silently and is expected under contention, not treated as an error.
func transferOnce(tbl *table.Table, log *undo.MemLog, snap undo.Snapshot, xid uint64, acc *account, delta int64) bool {
	acc.mu.Lock()
	defer acc.mu.Unlock()

	row, ok, err := peekOne(tbl, snap, acc.tid)
	exitOnErr(err)
	if !ok {
		return false
	}
	newBalance := decodeBalance(row) + delta

	newTid, res, err := tbl.Update(acc.tid, snap, log, xid, 0, [][]byte{encodeBalance(newBalance)}, []bool{false}, false)
	exitOnErr(err)
	if res != undo.TMOk {
		return false
	}
	acc.tid = newTid
	return true
}

func peekOne(tbl *table.Table, snap undo.Snapshot, tid zstid.ZSTid) ([]byte, bool, error) {
	s := tbl.Scan(snap, tid, tid+1)
	defer s.Close()
	row, ok, err := s.Next()
	if err != nil || !ok {
		return nil, false, err
	}
	return row.Datums[0], true, nil
}
