package lsp

import (
	"testing"

	"go.uber.org/goleak"

	"github.com/Strob0t/symbolforge/internal/adapter/lsp/lsptest"
)

func TestMain(m *testing.M) {
	lsptest.MaybeServe()
	goleak.VerifyTestMain(m)
}
