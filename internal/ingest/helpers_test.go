package ingest

import (
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/getsentry/traceprof/internal/rawprofile"
)

var cmpIgnoreStackIDs = []cmp.Option{
	cmpopts.IgnoreFields(rawprofile.Stack{}, "ID", "ContextID"),
}
