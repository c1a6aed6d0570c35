package roleloop

import (
	"database/sql"

	_ "github.com/lib/pq"

	"repmgrd/internal/metadata"
	"repmgrd/internal/replprobe"
)

func dbOpen(connInfo string) (*sql.DB, error) {
	return sql.Open("postgres", connInfo)
}

// pingNode implements connection_check_type: "ping" does a bare
// connect-and-ping; "query" additionally confirms the recovery role
// responds, which catches a wedged backend that still accepts TCP.
func pingNode(connInfo string, prober replprobe.Prober, checkType string) bool {
	if connInfo == "" {
		return false
	}
	db, err := sql.Open("postgres", connInfo)
	if err != nil {
		return false
	}
	defer db.Close()
	if db.Ping() != nil {
		return false
	}
	if checkType != "query" {
		return true
	}
	_, err = prober.RecoveryType(db)
	return err == nil
}

// reconnectWithBackoff retries pingNode up to attempts times, sleeping
// interval between attempts. Between tries it also polls nodeID's own
// "new primary notification" slot, so a reconnect attempt on a failed
// primary short-circuits the moment the cluster has already elected a
// winner instead of burning the full attempts×interval window.
// reachable is true only if the ping itself succeeded; notification is
// populated (None == false) when a pending notification was observed
// before attempts were exhausted.
func reconnectWithBackoff(store metadata.Store, nodeID int, connInfo string, prober replprobe.Prober, checkType string, attempts int, sleep func()) (reachable bool, notification metadata.NewPrimaryNotification) {
	notification = metadata.NewPrimaryNotification{None: true}
	for i := 0; i < attempts; i++ {
		if pingNode(connInfo, prober, checkType) {
			return true, notification
		}
		if n, err := store.ReadNotification(nodeID); err == nil && !n.None {
			return false, n
		}
		sleep()
	}
	if n, err := store.ReadNotification(nodeID); err == nil && !n.None {
		return false, n
	}
	return false, notification
}
