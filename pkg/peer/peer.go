// Package peer defines the consumed DICOM SCU surface (spec §6.1): the
// narrow RPC contract the core dispatches wire calls through, plus the
// dataset-inspection contract used by routing conditions and the sync
// diff. The actual DICOM wire protocol (association negotiation,
// C-STORE/C-FIND/C-MOVE/C-ECHO encoding, transfer-syntax conversion)
// is explicitly out of scope per spec §1 and lives outside this
// module; this package only names the interfaces the job handlers
// call through, translated from the original C++ client headers
// (_examples/original_source/include/pacs/client/*.hpp) whose
// function signatures pass a connection and a query dataset and
// return a result-or-error.
package peer

import (
	"context"
	"time"

	"github.com/kcenon/pacs-system-sub002/pkg/connpool"
)

// Dataset is the narrow read surface of an incoming or queried DICOM
// dataset consumed by routing conditions (spec §4.6) and the sync
// diff (spec §4.8 step 4).
type Dataset interface {
	// Get returns the string-formatted value of tag, if present.
	Get(tag string) (string, bool)
	// LastModified returns the dataset's modification timestamp, if known.
	LastModified() (time.Time, bool)
	// InstanceCount returns the number of SOP instances the dataset
	// represents (a study or series), if known.
	InstanceCount() (int, bool)
}

// ProgressCallback reports incremental progress during a Move or
// Store call; currentItem is typically a SOP Instance UID.
type ProgressCallback func(itemsDone, bytesDone int64, currentItem string)

// SCU is the DICOM service-class-user surface the job manager's
// handlers call through (spec §6.1 Peer RPC surface). Implementations
// live outside this module; job handlers only depend on this
// interface so they can be tested against the in-memory FakeSCU below.
type SCU interface {
	// Echo verifies liveness of the peer reachable over conn.
	Echo(ctx context.Context, conn connpool.Connection) error
	// Find issues a C-FIND query and streams matching datasets on the
	// returned channel, which is closed when the query completes or ctx
	// is canceled.
	Find(ctx context.Context, conn connpool.Connection, query Dataset) (<-chan Dataset, error)
	// Move issues a C-MOVE asking the peer to send query's matches to
	// destinationAE, reporting progress as instances are transferred.
	Move(ctx context.Context, conn connpool.Connection, destinationAE string, query Dataset, progress ProgressCallback) error
	// Store issues a C-STORE pushing dataset to the peer reachable over
	// conn, reporting progress as the transfer proceeds.
	Store(ctx context.Context, conn connpool.Connection, dataset Dataset, progress ProgressCallback) error
}
