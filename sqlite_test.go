package shardid

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
)

// newSQLiteStore opens a store on a throwaway database file. A file rather
// than :memory: because GORM pools connections and every in-memory
// connection would see its own database.
func newSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := OpenSQLite(filepath.Join(t.TempDir(), "shardid.db"))
	if err != nil {
		t.Fatalf("OpenSQLite() error: %v", err)
	}
	return store
}

func newSQLiteCluster(t *testing.T) (*Cluster, *SQLiteStore) {
	t.Helper()
	store := newSQLiteStore(t)
	cluster, err := Open(context.Background(), Config{Metadata: store, Containers: store})
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	return cluster, store
}

func TestSQLite_SettingsRoundTrip(t *testing.T) {
	store := newSQLiteStore(t)
	ctx := context.Background()

	if _, err := store.GetSetting(ctx, "missing"); !errors.Is(err, ErrSettingNotFound) {
		t.Errorf("GetSetting(missing) error = %v, want ErrSettingNotFound", err)
	}

	if err := store.PutSetting(ctx, Setting{Name: "epoch", Value: "2013-01-01", IsDefault: true}); err != nil {
		t.Fatal(err)
	}
	s, err := store.GetSetting(ctx, "epoch")
	if err != nil {
		t.Fatal(err)
	}
	if s.Value != "2013-01-01" || !s.IsDefault {
		t.Errorf("GetSetting() = %+v", s)
	}

	// Overwrite flips the default marker and keeps one row per name.
	if err := store.PutSetting(ctx, Setting{Name: "epoch", Value: "2014-06-01"}); err != nil {
		t.Fatal(err)
	}
	s, err = store.GetSetting(ctx, "epoch")
	if err != nil {
		t.Fatal(err)
	}
	if s.Value != "2014-06-01" || s.IsDefault {
		t.Errorf("after overwrite: %+v", s)
	}

	all, err := store.ListSettings(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 1 {
		t.Errorf("ListSettings() returned %d rows, want 1", len(all))
	}
}

func TestSQLite_AllocationConstraint(t *testing.T) {
	store := newSQLiteStore(t)
	ctx := context.Background()

	a := Allocation{Family: "orders", Number: 1, Container: "orders_0001", Location: "host-a"}
	if err := store.InsertAllocation(ctx, a); err != nil {
		t.Fatal(err)
	}
	if err := store.InsertAllocation(ctx, a); !errors.Is(err, ErrDuplicateAllocation) {
		t.Errorf("duplicate insert error = %v, want ErrDuplicateAllocation", err)
	}

	// Same number in another family is fine.
	b := Allocation{Family: "users", Number: 1, Container: "users_0001"}
	if err := store.InsertAllocation(ctx, b); err != nil {
		t.Errorf("cross-family insert error: %v", err)
	}

	if _, err := store.GetAllocation(ctx, "orders", 99); !errors.Is(err, ErrUnknownShard) {
		t.Errorf("GetAllocation(absent) error = %v, want ErrUnknownShard", err)
	}
	if err := store.MarkInitialized(ctx, "orders", 99); !errors.Is(err, ErrUnknownShard) {
		t.Errorf("MarkInitialized(absent) error = %v, want ErrUnknownShard", err)
	}

	max, err := store.MaxShardNumber(ctx, "orders")
	if err != nil || max != 1 {
		t.Errorf("MaxShardNumber() = %d, %v; want 1", max, err)
	}
	if max, _ := store.MaxShardNumber(ctx, "empty"); max != 0 {
		t.Errorf("MaxShardNumber(empty family) = %d, want 0", max)
	}
}

func TestSQLite_InitializedFlag(t *testing.T) {
	store := newSQLiteStore(t)
	ctx := context.Background()

	if err := store.InsertAllocation(ctx, Allocation{Family: "orders", Number: 1, Container: "orders_0001"}); err != nil {
		t.Fatal(err)
	}

	locked, err := store.AnyShardInitialized(ctx)
	if err != nil || locked {
		t.Errorf("AnyShardInitialized() = %v, %v; want false", locked, err)
	}

	if err := store.MarkInitialized(ctx, "orders", 1); err != nil {
		t.Fatal(err)
	}
	locked, err = store.AnyShardInitialized(ctx)
	if err != nil || !locked {
		t.Errorf("AnyShardInitialized() = %v, %v; want true", locked, err)
	}

	a, err := store.GetAllocation(ctx, "orders", 1)
	if err != nil || !a.Initialized {
		t.Errorf("GetAllocation() = %+v, %v", a, err)
	}
}

func TestSQLite_EntityConstraint(t *testing.T) {
	store := newSQLiteStore(t)
	ctx := context.Background()

	e := Entity{Family: "orders", Name: "orders", IDField: "id"}
	if err := store.InsertEntity(ctx, e); err != nil {
		t.Fatal(err)
	}
	if err := store.InsertEntity(ctx, e); !errors.Is(err, ErrDuplicateEntity) {
		t.Errorf("duplicate entity error = %v, want ErrDuplicateEntity", err)
	}
	if err := store.DeleteEntity(ctx, "orders", "orders"); err != nil {
		t.Fatal(err)
	}
	if err := store.InsertEntity(ctx, e); err != nil {
		t.Errorf("re-insert after delete error: %v", err)
	}
}

func TestSQLite_Counters(t *testing.T) {
	store := newSQLiteStore(t)
	ctx := context.Background()

	if err := store.CreateContainer(ctx, "orders_0001"); err != nil {
		t.Fatal(err)
	}
	if err := store.CreateCounter(ctx, "orders_0001", counterName); err != nil {
		t.Fatal(err)
	}
	if err := store.CreateCounter(ctx, "orders_0001", counterName); !errors.Is(err, ErrAlreadyExists) {
		t.Errorf("duplicate counter error = %v, want ErrAlreadyExists", err)
	}

	counter := store.Counter("orders_0001", counterName)
	for want := int64(1); want <= 10; want++ {
		got, err := counter.Next(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if got != want {
			t.Errorf("Next() = %d, want %d", got, want)
		}
	}

	// A second handle sees the same durable counter state.
	other := store.Counter("orders_0001", counterName)
	if got, err := other.Next(ctx); err != nil || got != 11 {
		t.Errorf("second handle Next() = %d, %v; want 11", got, err)
	}

	if _, err := store.Counter("orders_0001", "nonexistent").Next(ctx); err == nil {
		t.Error("Next() on missing counter should fail")
	}
}

func TestSQLite_CloneEntity(t *testing.T) {
	store := newSQLiteStore(t)
	ctx := context.Background()

	err := store.DB().Exec(`CREATE TABLE orders (
		order_id INTEGER PRIMARY KEY,
		customer TEXT NOT NULL,
		total_cents INTEGER NOT NULL DEFAULT 0
	)`).Error
	if err != nil {
		t.Fatal(err)
	}
	if err := store.CreateContainer(ctx, "orders_0001"); err != nil {
		t.Fatal(err)
	}

	if err := store.CloneEntity(ctx, "orders", "orders_0001"); err != nil {
		t.Fatalf("CloneEntity() error: %v", err)
	}

	// The clone is a real table with the source's columns.
	err = store.DB().Exec(
		"INSERT INTO orders_0001_orders (order_id, customer) VALUES (1, 'alice')",
	).Error
	if err != nil {
		t.Errorf("insert into cloned table: %v", err)
	}

	// Cloning again reports the existing clone distinctly for retries.
	if err := store.CloneEntity(ctx, "orders", "orders_0001"); !errors.Is(err, ErrAlreadyExists) {
		t.Errorf("second clone error = %v, want ErrAlreadyExists", err)
	}

	if err := store.CloneEntity(ctx, "no_such_table", "orders_0001"); err == nil ||
		errors.Is(err, ErrAlreadyExists) {
		t.Errorf("cloning a missing source: error = %v", err)
	}

	if err := store.SetFieldDefault(ctx, "orders_0001", "orders", "order_id", "next_id('orders', 1)"); err != nil {
		t.Fatal(err)
	}
	expr, ok, err := store.FieldDefault(ctx, "orders_0001", "orders", "order_id")
	if err != nil || !ok {
		t.Fatalf("FieldDefault() = %v, %v", ok, err)
	}
	if expr != "next_id('orders', 1)" {
		t.Errorf("FieldDefault() = %q", expr)
	}

	if err := store.SetFieldDefault(ctx, "orders_0001", "unknown", "id", "x"); err == nil {
		t.Error("SetFieldDefault() on uncloned entity should fail")
	}
}

func TestSQLite_DropContainer(t *testing.T) {
	store := newSQLiteStore(t)
	ctx := context.Background()

	if err := store.DB().Exec("CREATE TABLE orders (id INTEGER PRIMARY KEY)").Error; err != nil {
		t.Fatal(err)
	}
	if err := store.CreateContainer(ctx, "orders_0001"); err != nil {
		t.Fatal(err)
	}
	if err := store.CreateCounter(ctx, "orders_0001", counterName); err != nil {
		t.Fatal(err)
	}
	if err := store.CloneEntity(ctx, "orders", "orders_0001"); err != nil {
		t.Fatal(err)
	}

	if err := store.DropContainer(ctx, "orders_0001"); err != nil {
		t.Fatalf("DropContainer() error: %v", err)
	}

	// Everything inside the container is gone; the source table survives.
	if _, err := store.Counter("orders_0001", counterName).Next(ctx); err == nil {
		t.Error("counter should not survive DropContainer")
	}
	if err := store.DB().Exec("INSERT INTO orders (id) VALUES (1)").Error; err != nil {
		t.Errorf("source table should survive: %v", err)
	}
	if err := store.CreateContainer(ctx, "orders_0001"); err != nil {
		t.Errorf("container name should be reusable after drop: %v", err)
	}

	// Dropping an absent container succeeds.
	if err := store.DropContainer(ctx, "never_created"); err != nil {
		t.Errorf("DropContainer(absent) error: %v", err)
	}
}

func TestSQLite_EndToEnd(t *testing.T) {
	cluster, store := newSQLiteCluster(t)
	ctx := context.Background()

	if err := store.DB().Exec(`CREATE TABLE orders (
		order_id INTEGER PRIMARY KEY,
		customer TEXT NOT NULL
	)`).Error; err != nil {
		t.Fatal(err)
	}

	if _, _, err := cluster.SetSetting(ctx, SettingShardCapacity, "64"); err != nil {
		t.Fatal(err)
	}
	if err := cluster.RegisterEntity(ctx, "orders", "orders", "order_id"); err != nil {
		t.Fatal(err)
	}

	shard, err := cluster.AllocateShard(ctx, "orders", "primary")
	if err != nil {
		t.Fatal(err)
	}
	if err := cluster.InitializeShard(ctx, "orders", shard); err != nil {
		t.Fatal(err)
	}

	// Configuration is now locked.
	if _, _, err := cluster.SetSetting(ctx, SettingShardCapacity, "128"); !errors.Is(err, ErrConfigurationLocked) {
		t.Errorf("SetSetting() after init error = %v, want ErrConfigurationLocked", err)
	}

	// Generate and store a row using the ID, exercising the Valuer path.
	id, err := cluster.Next(ctx, "orders", shard)
	if err != nil {
		t.Fatal(err)
	}
	table := fmt.Sprintf("%s_orders", containerName("orders", shard))
	err = store.DB().Exec(
		fmt.Sprintf("INSERT INTO %s (order_id, customer) VALUES (?, ?)", table), id, "alice",
	).Error
	if err != nil {
		t.Fatalf("insert with generated ID: %v", err)
	}

	var raw int64
	err = store.DB().Raw(
		fmt.Sprintf("SELECT order_id FROM %s WHERE customer = ?", table), "alice",
	).Scan(&raw).Error
	if err != nil {
		t.Fatal(err)
	}
	if back := ID(uint64(raw)); back != id {
		t.Errorf("ID round trip through SQLite = %d, want %d", back, id)
	}

	if got := id.Shard(cluster.Layout()); got != shard {
		t.Errorf("embedded shard = %d, want %d", got, shard)
	}

	// IDs remain strictly increasing across the durable counter.
	prev := id
	for i := 0; i < 50; i++ {
		next, err := cluster.Next(ctx, "orders", shard)
		if err != nil {
			t.Fatal(err)
		}
		if next <= prev {
			t.Fatalf("Next() = %d, not greater than %d", next, prev)
		}
		prev = next
	}
}

func TestSQLite_CounterSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "shardid.db")
	ctx := context.Background()

	store, err := OpenSQLite(path)
	if err != nil {
		t.Fatal(err)
	}
	cluster, err := Open(ctx, Config{Metadata: store, Containers: store})
	if err != nil {
		t.Fatal(err)
	}
	shard, err := cluster.AllocateShard(ctx, "orders", "")
	if err != nil {
		t.Fatal(err)
	}
	first, err := cluster.Next(ctx, "orders", shard)
	if err != nil {
		t.Fatal(err)
	}

	// A second cluster over the same file continues the same counter and
	// cannot repeat sequence values.
	store2, err := OpenSQLite(path)
	if err != nil {
		t.Fatal(err)
	}
	cluster2, err := Open(ctx, Config{Metadata: store2, Containers: store2})
	if err != nil {
		t.Fatal(err)
	}
	second, err := cluster2.Next(ctx, "orders", shard)
	if err != nil {
		t.Fatal(err)
	}

	l := cluster2.Layout()
	if first.Sequence(l) == second.Sequence(l) && first.Time(l).Equal(second.Time(l)) {
		t.Error("counter state should persist across processes")
	}
	if second <= first {
		t.Errorf("ID after reopen = %d, not greater than %d", second, first)
	}
}
