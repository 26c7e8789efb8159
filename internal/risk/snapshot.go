package risk

import (
	"errors"
	"fmt"

	"github.com/betbot/ordercore/pkg/persistence"
)

type ledgerFile struct {
	Version int             `json:"version"`
	Owners  []DailySnapshot `json:"owners"`
}

// LedgerStore 当日风控计数的落盘位置
func LedgerStore(svc persistence.Service) persistence.Store {
	return svc.NewStore("risk", "ledger", "daily")
}

// SaveLedger 导出当日计数并保存
func SaveLedger(store persistence.Store, l *Ledger) error {
	snaps := l.Export()
	if err := store.Save(ledgerFile{Version: 1, Owners: snaps}); err != nil {
		return fmt.Errorf("save ledger snapshot: %w", err)
	}
	riskLog.Infof("💾 风控计数已保存: owners=%d", len(snaps))
	return nil
}

// LoadLedger 恢复快照；没有快照时返回 (0, nil)
func LoadLedger(store persistence.Store, l *Ledger) (int, error) {
	var f ledgerFile
	if err := store.Load(&f); err != nil {
		if errors.Is(err, persistence.ErrNotExists) {
			return 0, nil
		}
		return 0, fmt.Errorf("load ledger snapshot: %w", err)
	}
	l.Restore(f.Owners)
	riskLog.Infof("📂 风控计数已恢复: owners=%d", len(f.Owners))
	return len(f.Owners), nil
}
