package tables

import (
	"testing"

	"plateflow/testutil"
)

func TestTablesDoNotDependOnSessions(t *testing.T) {
	testutil.AssertNoTransitiveDependency(t, ".", testutil.Under("plateflow/internal/gateway"), "tables reach storage through Backend")
	testutil.AssertNoTransitiveDependency(t, ".", testutil.Under("plateflow/internal/infra"), "tables are backend agnostic")
}
