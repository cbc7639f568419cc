// File: internal/mocks/mocks_test.go
package mocks_test

import (
	"github.com/xkilldash9x/chromefleet/internal/browser/session"
	"github.com/xkilldash9x/chromefleet/internal/config"
	"github.com/xkilldash9x/chromefleet/internal/mocks"
	"github.com/xkilldash9x/chromefleet/internal/store"
	"github.com/xkilldash9x/chromefleet/internal/worker"
)

var (
	_ config.Interface = (*mocks.MockConfig)(nil)
	_ worker.Task      = (*mocks.MockTask)(nil)
	_ store.Ledger     = (*mocks.MockLedger)(nil)
	_ session.Notifier = (*mocks.MockNotifier)(nil)
	_ session.Vision   = (*mocks.MockVision)(nil)
)
