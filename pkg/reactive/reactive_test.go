package reactive_test

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	faker "github.com/go-faker/faker/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/zoravur/liveview/pkg/database"
	"github.com/zoravur/liveview/pkg/dataevent"
	"github.com/zoravur/liveview/pkg/driver/memdb"
	"github.com/zoravur/liveview/pkg/errors"
	"github.com/zoravur/liveview/pkg/prng"
	"github.com/zoravur/liveview/pkg/reactive"
	"github.com/zoravur/liveview/pkg/schema"
)

const testSchema = `
CREATE TABLE department (
  id BIGINT NOT NULL AUTO_INCREMENT,
  name VARCHAR(50) NOT NULL,
  region VARCHAR(10),
  PRIMARY KEY (id)
);
CREATE TABLE employee (
  id BIGINT NOT NULL AUTO_INCREMENT,
  name VARCHAR(100),
  department_id BIGINT,
  PRIMARY KEY (id)
);
CREATE TABLE employee_contact (
  employee_id BIGINT NOT NULL,
  contact_type VARCHAR(20) NOT NULL,
  contact_data VARCHAR(100),
  PRIMARY KEY (employee_id, contact_type)
);
`

func newDB(t *testing.T) *database.Database {
	t.Helper()
	db := database.New(memdb.New(memdb.WithLogger(zap.NewNop())), database.WithLogger(zap.NewNop()))
	require.NoError(t, db.CreateFromSQL(context.Background(), testSchema))
	return db
}

// seed creates Sales (1, EU), Support (2, US) and Research (3, EU).
func seed(t *testing.T, db *database.Database) {
	t.Helper()
	ctx := context.Background()
	for _, d := range []map[string]any{
		{"name": "Sales", "region": "EU"},
		{"name": "Support", "region": "US"},
		{"name": "Research", "region": "EU"},
	} {
		_, err := db.InsertAndCommit(ctx, "department", d)
		require.NoError(t, err)
	}
}

// collector is a listener that keeps the state of every view it was told
// about and hands each transaction to the test.
type collector struct {
	mu    sync.Mutex
	state map[string]map[string]dataevent.Row
	ch    chan *dataevent.Transaction
}

func newCollector() *collector {
	return &collector{
		state: make(map[string]map[string]dataevent.Row),
		ch:    make(chan *dataevent.Transaction, 1024),
	}
}

func (c *collector) OnTransaction(_ context.Context, tx *dataevent.Transaction) error {
	c.mu.Lock()
	for _, e := range tx.Events {
		switch e.Type {
		case dataevent.InitialBegin:
			c.state[e.Name] = make(map[string]dataevent.Row)
		case dataevent.Initial, dataevent.Insert, dataevent.Update:
			if c.state[e.Name] == nil {
				c.state[e.Name] = make(map[string]dataevent.Row)
			}
			c.state[e.Name][e.KeyValue] = e.Record
		case dataevent.Delete:
			delete(c.state[e.Name], e.KeyValue)
		}
	}
	c.mu.Unlock()
	c.ch <- tx
	return nil
}

func (c *collector) next(t *testing.T) *dataevent.Transaction {
	t.Helper()
	select {
	case tx := <-c.ch:
		return tx
	case <-time.After(2 * time.Second):
		require.FailNow(t, "no transaction delivered")
		return nil
	}
}

func (c *collector) none(t *testing.T) {
	t.Helper()
	select {
	case tx := <-c.ch:
		assert.Failf(t, "unexpected transaction", "%v", events(tx))
	case <-time.After(100 * time.Millisecond):
	}
}

func (c *collector) view(name string) map[string]dataevent.Row {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]dataevent.Row, len(c.state[name]))
	for k, v := range c.state[name] {
		out[k] = v
	}
	return out
}

func events(tx *dataevent.Transaction) []string {
	out := make([]string, len(tx.Events))
	for i, e := range tx.Events {
		out[i] = e.String()
	}
	return out
}

func start(t *testing.T, vs *reactive.ViewSet) {
	t.Helper()
	require.NoError(t, vs.Start(context.Background()))
	t.Cleanup(vs.Dispose)
}

func TestStartDeliversInitialState(t *testing.T) {
	db := newDB(t)
	seed(t, db)
	ctx := context.Background()
	_, err := db.InsertAndCommit(ctx, "employee", map[string]any{"name": "Alice", "department_id": 1})
	require.NoError(t, err)

	c := newCollector()
	vs := reactive.NewViewSet(db, c)
	_, err = vs.CreateView("department", nil)
	require.NoError(t, err)
	_, err = vs.CreateView("SELECT * FROM employee WHERE department_id = @id", map[string]any{"id": 1})
	require.NoError(t, err)
	start(t, vs)

	tx := c.next(t)
	assert.Equal(t, []string{
		"initial-begin department",
		"initial department[1]",
		"initial department[2]",
		"initial department[3]",
		"initial-end department",
		"initial-begin employee",
		"initial employee[1]",
		"initial-end employee",
	}, events(tx))

	err = vs.Start(ctx)
	assert.True(t, errors.Is(err, errors.ErrViewSetStarted))
	_, err = vs.CreateView("employee_contact", nil)
	assert.True(t, errors.Is(err, errors.ErrViewSetStarted))
	c.none(t)
}

func TestCreateViewRejects(t *testing.T) {
	db := newDB(t)
	vs := reactive.NewViewSet(db, newCollector())

	_, err := vs.CreateView("SELECT name FROM employee", nil)
	assert.True(t, errors.Is(err, errors.ErrSchemaViolation), "key field must be selected")

	_, err = vs.CreateView("SELECT * FROM nowhere", nil)
	assert.True(t, errors.Is(err, errors.ErrParse))

	_, err = vs.CreateView("employee", nil)
	require.NoError(t, err)
	_, err = vs.CreateView("SELECT id FROM employee", nil)
	assert.True(t, errors.Is(err, errors.ErrSchemaViolation), "duplicate view name")

	other := reactive.NewViewSet(db, newCollector())
	src, err := other.CreateView("department", nil)
	require.NoError(t, err)
	_, err = vs.CreateView("SELECT * FROM employee WHERE department_id = @d",
		map[string]any{"d": src.CreateMultiValueDynamicParam("id")}, reactive.WithName("by_dept"))
	assert.Error(t, err)

	vs.Dispose()
	_, err = vs.CreateView("department", nil)
	assert.True(t, errors.Is(err, errors.ErrViewSetDisposed))
	assert.True(t, errors.Is(vs.Start(context.Background()), errors.ErrViewSetDisposed))
}

func TestFilteredViewDeltas(t *testing.T) {
	db := newDB(t)
	seed(t, db)
	ctx := context.Background()

	c := newCollector()
	vs := reactive.NewViewSet(db, c)
	_, err := vs.CreateView("SELECT * FROM employee WHERE department_id = @id", map[string]any{"id": 1})
	require.NoError(t, err)
	start(t, vs)
	assert.Equal(t, []string{"initial-begin employee", "initial-end employee"}, events(c.next(t)))

	id, err := db.InsertAndCommit(ctx, "employee", map[string]any{"name": "Alice", "department_id": 1})
	require.NoError(t, err)
	tx := c.next(t)
	require.Equal(t, []string{"insert employee[1]"}, events(tx))
	assert.Equal(t, "Alice", tx.Events[0].Record["name"])

	_, err = db.InsertAndCommit(ctx, "employee", map[string]any{"name": "Bob", "department_id": 2})
	require.NoError(t, err)
	c.none(t)

	_, err = db.UpdateAndCommit(ctx, "employee", map[string]any{"id": id, "department_id": 2})
	require.NoError(t, err)
	assert.Equal(t, []string{"delete employee[1]"}, events(c.next(t)))

	_, err = db.UpdateAndCommit(ctx, "employee", map[string]any{"id": 2, "department_id": 1})
	require.NoError(t, err)
	assert.Equal(t, []string{"insert employee[2]"}, events(c.next(t)))

	_, err = db.DeleteAndCommit(ctx, "employee", map[string]any{"id": 2})
	require.NoError(t, err)
	assert.Equal(t, []string{"delete employee[2]"}, events(c.next(t)))
	assert.Empty(t, c.view("employee"))
}

func TestCompositeKeyUpdate(t *testing.T) {
	db := newDB(t)
	ctx := context.Background()
	_, err := db.InsertAndCommit(ctx, "employee_contact",
		map[string]any{"employee_id": 1, "contact_type": "Phone", "contact_data": "555-0100"})
	require.NoError(t, err)

	c := newCollector()
	vs := reactive.NewViewSet(db, c)
	_, err = vs.CreateView("employee_contact", nil)
	require.NoError(t, err)
	start(t, vs)
	c.next(t)

	_, err = db.UpdateAndCommit(ctx,
		"UPDATE employee_contact SET contact_data = @d WHERE employee_id = @e AND contact_type = @t",
		map[string]any{"d": "555-0199", "e": 1, "t": "Phone"})
	require.NoError(t, err)

	tx := c.next(t)
	require.Len(t, tx.Events, 1)
	e := tx.Events[0]
	assert.Equal(t, dataevent.Update, e.Type)
	assert.Equal(t, "1;Phone", e.KeyValue)
	assert.Equal(t, "555-0199", e.Record["contact_data"])
}

func TestEmptyListParams(t *testing.T) {
	db := newDB(t)
	seed(t, db)

	c := newCollector()
	vs := reactive.NewViewSet(db, c)
	_, err := vs.CreateView("SELECT * FROM department WHERE id = @ids", map[string]any{"ids": []int{}},
		reactive.WithName("none"))
	require.NoError(t, err)
	_, err = vs.CreateView("SELECT * FROM department WHERE id != @ids", map[string]any{"ids": []int{}},
		reactive.WithName("all"))
	require.NoError(t, err)
	_, err = vs.CreateView("SELECT * FROM department WHERE id = @ids", map[string]any{"ids": []int{1, 3}},
		reactive.WithName("some"))
	require.NoError(t, err)
	start(t, vs)
	c.next(t)

	assert.Empty(t, c.view("none"))
	assert.Len(t, c.view("all"), 3)
	assert.Len(t, c.view("some"), 2)

	_, err = db.InsertAndCommit(context.Background(), "department", map[string]any{"name": "Legal"})
	require.NoError(t, err)
	assert.Equal(t, []string{"insert all[4]"}, events(c.next(t)))
}

func TestNetZeroWriteIsReported(t *testing.T) {
	db := newDB(t)
	seed(t, db)
	ctx := context.Background()

	c := newCollector()
	vs := reactive.NewViewSet(db, c)
	_, err := vs.CreateView("department", nil)
	require.NoError(t, err)
	start(t, vs)
	c.next(t)

	tx, err := db.Begin(ctx)
	require.NoError(t, err)
	_, err = tx.Update(ctx, "department", map[string]any{"id": 1, "name": "Renamed"})
	require.NoError(t, err)
	_, err = tx.Update(ctx, "department", map[string]any{"id": 1, "name": "Sales"})
	require.NoError(t, err)
	require.NoError(t, tx.Commit(ctx))
	assert.Equal(t, []string{"update department[1]"}, events(c.next(t)))

	tx, err = db.Begin(ctx)
	require.NoError(t, err)
	_, err = tx.Delete(ctx, "department", map[string]any{"id": 2})
	require.NoError(t, err)
	_, err = tx.Insert(ctx, "department", map[string]any{"id": 2, "name": "Helpdesk", "region": "US"})
	require.NoError(t, err)
	require.NoError(t, tx.Commit(ctx))
	out := c.next(t)
	require.Equal(t, []string{"update department[2]"}, events(out))
	assert.Equal(t, "Helpdesk", out.Events[0].Record["name"])
}

func TestJoinView(t *testing.T) {
	db := newDB(t)
	seed(t, db)
	ctx := context.Background()
	for _, e := range []map[string]any{
		{"name": "Alice", "department_id": 1},
		{"name": "Bob", "department_id": 1},
		{"name": "Carol", "department_id": 2},
	} {
		_, err := db.InsertAndCommit(ctx, "employee", e)
		require.NoError(t, err)
	}

	c := newCollector()
	vs := reactive.NewViewSet(db, c)
	v, err := vs.CreateView(
		"SELECT e.id, e.name, d.name AS dept FROM employee e JOIN department d ON d.id = e.department_id",
		nil, reactive.WithName("staff"))
	require.NoError(t, err)
	assert.Equal(t, []string{"id"}, v.KeyFieldNames())
	start(t, vs)
	c.next(t)
	require.Len(t, c.view("staff"), 3)

	_, err = db.UpdateAndCommit(ctx, "department", map[string]any{"id": 1, "name": "Revenue"})
	require.NoError(t, err)
	tx := c.next(t)
	assert.ElementsMatch(t, []string{"update staff[1]", "update staff[2]"}, events(tx))
	assert.Equal(t, "Revenue", c.view("staff")["1"]["dept"])

	// a department nobody works in does not change the view
	_, err = db.UpdateAndCommit(ctx, "department", map[string]any{"id": 3, "name": "R&D"})
	require.NoError(t, err)
	c.none(t)

	_, err = db.InsertAndCommit(ctx, "employee", map[string]any{"name": "Dave", "department_id": 3})
	require.NoError(t, err)
	assert.Equal(t, []string{"insert staff[4]"}, events(c.next(t)))

	_, err = db.InsertAndCommit(ctx, "employee", map[string]any{"name": "Eve"})
	require.NoError(t, err)
	c.none(t)

	_, err = db.DeleteAndCommit(ctx, "department", map[string]any{"id": 2})
	require.NoError(t, err)
	assert.Equal(t, []string{"delete staff[3]"}, events(c.next(t)))
}

func TestJoinViewRowReachedByTwoWrites(t *testing.T) {
	db := newDB(t)
	seed(t, db)
	ctx := context.Background()
	_, err := db.InsertAndCommit(ctx, "employee", map[string]any{"name": "Alice", "department_id": 1})
	require.NoError(t, err)

	c := newCollector()
	vs := reactive.NewViewSet(db, c)
	_, err = vs.CreateView(
		"SELECT e.id, e.name, d.name AS dept FROM employee e JOIN department d ON d.id = e.department_id",
		nil, reactive.WithName("staff"))
	require.NoError(t, err)
	start(t, vs)
	c.next(t)

	// the department write no longer reaches Alice after the commit, the
	// employee write still does
	tx, err := db.Begin(ctx)
	require.NoError(t, err)
	_, err = tx.Update(ctx, "employee", map[string]any{"id": 1, "department_id": 2})
	require.NoError(t, err)
	_, err = tx.Update(ctx, "department", map[string]any{"id": 1, "name": "Revenue"})
	require.NoError(t, err)
	require.NoError(t, tx.Commit(ctx))

	assert.Equal(t, []string{"update staff[1]"}, events(c.next(t)))
	assert.Equal(t, "Support", c.view("staff")["1"]["dept"])

	tx, err = db.Begin(ctx)
	require.NoError(t, err)
	_, err = tx.Update(ctx, "department", map[string]any{"id": 2, "name": "Help"})
	require.NoError(t, err)
	_, err = tx.Delete(ctx, "employee", map[string]any{"id": 1})
	require.NoError(t, err)
	require.NoError(t, tx.Commit(ctx))

	assert.Equal(t, []string{"delete staff[1]"}, events(c.next(t)))
	assert.Empty(t, c.view("staff"))
}

func TestLeftJoinView(t *testing.T) {
	db := newDB(t)
	seed(t, db)
	ctx := context.Background()
	for _, e := range []map[string]any{
		{"name": "Alice", "department_id": 2},
		{"name": "Bob", "department_id": 7},
	} {
		_, err := db.InsertAndCommit(ctx, "employee", e)
		require.NoError(t, err)
	}

	c := newCollector()
	vs := reactive.NewViewSet(db, c)
	_, err := vs.CreateView(
		"SELECT e.id, e.name, d.name AS dept FROM employee e LEFT JOIN department d ON d.id = e.department_id",
		nil, reactive.WithName("staff"))
	require.NoError(t, err)
	start(t, vs)
	c.next(t)
	require.Len(t, c.view("staff"), 2)
	assert.Nil(t, c.view("staff")["2"]["dept"])

	// the employee stays, null-extended
	_, err = db.DeleteAndCommit(ctx, "department", map[string]any{"id": 2})
	require.NoError(t, err)
	assert.Equal(t, []string{"update staff[1]"}, events(c.next(t)))
	assert.Nil(t, c.view("staff")["1"]["dept"])

	_, err = db.InsertAndCommit(ctx, "department", map[string]any{"id": 7, "name": "Legal"})
	require.NoError(t, err)
	assert.Equal(t, []string{"update staff[2]"}, events(c.next(t)))
	assert.Equal(t, "Legal", c.view("staff")["2"]["dept"])

	_, err = db.UpdateAndCommit(ctx, "department", map[string]any{"id": 3, "name": "R&D"})
	require.NoError(t, err)
	c.none(t)

	rows, err := db.SelectRows(ctx,
		"SELECT e.id, e.name, d.name AS dept FROM employee e LEFT JOIN department d ON d.id = e.department_id", nil)
	require.NoError(t, err)
	require.Len(t, c.view("staff"), len(rows))
	for _, row := range rows {
		assert.True(t, c.view("staff")[schema.KeyValue([]string{"id"}, row)].Equal(row), "%v", row)
	}
}

func TestStarJoinView(t *testing.T) {
	db := newDB(t)
	seed(t, db)
	ctx := context.Background()

	vs := reactive.NewViewSet(db, newCollector())
	_, err := vs.CreateView("SELECT * FROM employee e JOIN department d ON d.id = e.department_id", nil)
	assert.True(t, errors.Is(err, errors.ErrSchemaViolation), "id and name are produced twice")

	c := newCollector()
	vs = reactive.NewViewSet(db, c)
	_, err = vs.CreateView("SELECT e.*, d.region FROM employee e JOIN department d ON d.id = e.department_id",
		nil, reactive.WithName("staff"))
	require.NoError(t, err)
	start(t, vs)
	c.next(t)

	for _, name := range []string{"Alice", "Bob"} {
		_, err := db.InsertAndCommit(ctx, "employee", map[string]any{"name": name, "department_id": 1})
		require.NoError(t, err)
	}
	assert.Equal(t, []string{"insert staff[1]"}, events(c.next(t)))
	assert.Equal(t, []string{"insert staff[2]"}, events(c.next(t)))
	staff := c.view("staff")
	require.Len(t, staff, 2)
	assert.Equal(t, "Bob", staff["2"]["name"])
	assert.Equal(t, "EU", staff["2"]["region"])
}

func TestPrimaryKeyMove(t *testing.T) {
	db := newDB(t)
	seed(t, db)
	ctx := context.Background()
	_, err := db.InsertAndCommit(ctx, "employee", map[string]any{"name": "Alice", "department_id": 1})
	require.NoError(t, err)

	c := newCollector()
	vs := reactive.NewViewSet(db, c)
	_, err = vs.CreateView("department", nil)
	require.NoError(t, err)
	_, err = vs.CreateView(
		"SELECT e.id, e.name, d.name AS dept FROM employee e JOIN department d ON d.id = e.department_id",
		nil, reactive.WithName("staff"))
	require.NoError(t, err)
	start(t, vs)
	c.next(t)

	_, err = db.UpdateAndCommit(ctx, "UPDATE department SET id = @nid WHERE id = @id",
		map[string]any{"id": 1, "nid": 10})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"delete department[1]", "insert department[10]", "delete staff[1]"},
		events(c.next(t)))
	assert.Contains(t, c.view("department"), "10")
	assert.NotContains(t, c.view("department"), "1")
	assert.Empty(t, c.view("staff"))

	_, err = db.UpdateAndCommit(ctx, "UPDATE employee SET id = @nid, department_id = @d WHERE id = @id",
		map[string]any{"id": 1, "nid": 5, "d": 10})
	require.NoError(t, err)
	assert.Equal(t, []string{"insert staff[5]"}, events(c.next(t)))
	assert.Equal(t, "Sales", c.view("staff")["5"]["dept"])
}

func TestDynamicParamCascade(t *testing.T) {
	db := newDB(t)
	seed(t, db)
	ctx := context.Background()
	for _, e := range []map[string]any{
		{"name": "Alice", "department_id": 1},
		{"name": "Bob", "department_id": 2},
		{"name": "Carol", "department_id": 3},
	} {
		_, err := db.InsertAndCommit(ctx, "employee", e)
		require.NoError(t, err)
	}

	c := newCollector()
	vs := reactive.NewViewSet(db, c)
	depts, err := vs.CreateView("SELECT id, name FROM department WHERE region = @region",
		map[string]any{"region": "EU"})
	require.NoError(t, err)
	ids := depts.CreateMultiValueDynamicParam("id")
	_, err = vs.CreateView("SELECT id, name FROM employee WHERE department_id = @ids",
		map[string]any{"ids": ids})
	require.NoError(t, err)
	start(t, vs)

	c.next(t)
	assert.Equal(t, []any{int64(1), int64(3)}, ids.Values())
	assert.False(t, ids.Dirty())
	assert.ElementsMatch(t, []string{"1", "3"}, keys(c.view("employee")))

	_, err = db.UpdateAndCommit(ctx, "department", map[string]any{"id": 2, "region": "EU"})
	require.NoError(t, err)
	tx := c.next(t)
	assert.Equal(t, []string{
		"insert department[2]",
		"initial-begin employee",
		"initial employee[1]",
		"initial employee[2]",
		"initial employee[3]",
		"initial-end employee",
	}, events(tx))
	assert.Equal(t, []any{int64(1), int64(2), int64(3)}, ids.Values())

	// renaming a department keeps the id set, so the employee view gets no requery
	_, err = db.UpdateAndCommit(ctx, "department", map[string]any{"id": 2, "name": "Helpdesk"})
	require.NoError(t, err)
	assert.Equal(t, []string{"update department[2]"}, events(c.next(t)))

	_, err = db.InsertAndCommit(ctx, "employee", map[string]any{"name": "Dave", "department_id": 2})
	require.NoError(t, err)
	assert.Equal(t, []string{"insert employee[4]"}, events(c.next(t)))

	_, err = db.DeleteAndCommit(ctx, "department", map[string]any{"id": 1})
	require.NoError(t, err)
	tx = c.next(t)
	assert.Equal(t, "delete department[1]", tx.Events[0].String())
	assert.Equal(t, 1, tx.Count(dataevent.InitialBegin))
	assert.ElementsMatch(t, []string{"2", "3", "4"}, keys(c.view("employee")))
}

func keys(m map[string]dataevent.Row) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

// slowListener records how many deliveries overlap.
type slowListener struct {
	inFlight atomic.Int32
	maxSeen  atomic.Int32
	inserts  atomic.Int32
}

func (l *slowListener) OnTransaction(_ context.Context, tx *dataevent.Transaction) error {
	n := l.inFlight.Add(1)
	defer l.inFlight.Add(-1)
	for {
		m := l.maxSeen.Load()
		if n <= m || l.maxSeen.CompareAndSwap(m, n) {
			break
		}
	}
	time.Sleep(2 * time.Millisecond)
	l.inserts.Add(int32(tx.Count(dataevent.Insert)))
	return nil
}

func TestDeliveriesDoNotOverlap(t *testing.T) {
	db := newDB(t)
	ctx := context.Background()

	l := &slowListener{}
	vs := reactive.NewViewSet(db, l)
	_, err := vs.CreateView("employee", nil)
	require.NoError(t, err)
	start(t, vs)

	const writers, perWriter = 4, 10
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				_, err := db.InsertAndCommit(ctx, "employee", map[string]any{"name": faker.Name(), "department_id": w})
				assert.NoError(t, err)
			}
		}(w)
	}
	wg.Wait()

	require.Eventually(t, func() bool {
		return l.inserts.Load() == writers*perWriter
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(1), l.maxSeen.Load())
	assert.Zero(t, vs.QueueDepth())
}

func TestListenerFailureKeepsDelivering(t *testing.T) {
	db := newDB(t)
	ctx := context.Background()

	var calls atomic.Int32
	vs := reactive.NewViewSet(db, reactive.ListenerFunc(func(context.Context, *dataevent.Transaction) error {
		switch calls.Add(1) {
		case 2:
			return errors.New(errors.ErrListener, "boom")
		case 3:
			panic("boom")
		}
		return nil
	}))
	_, err := vs.CreateView("employee", nil)
	require.NoError(t, err)
	start(t, vs)

	for i := 0; i < 3; i++ {
		_, err := db.InsertAndCommit(ctx, "employee", map[string]any{"name": faker.Name()})
		require.NoError(t, err)
	}
	require.Eventually(t, func() bool { return calls.Load() == 4 }, 2*time.Second, 10*time.Millisecond)
}

func TestDispose(t *testing.T) {
	db := newDB(t)
	ctx := context.Background()

	c := newCollector()
	vs := reactive.NewViewSet(db, c)
	_, err := vs.CreateView("employee", nil)
	require.NoError(t, err)
	require.NoError(t, vs.Start(ctx))
	c.next(t)

	vs.Dispose()
	vs.Dispose()
	assert.True(t, vs.Disposed())

	_, err = db.InsertAndCommit(ctx, "employee", map[string]any{"name": "late"})
	require.NoError(t, err)
	c.none(t)

	// disposing a view set that never started is allowed
	reactive.NewViewSet(db, c).Dispose()
}

func TestRegistry(t *testing.T) {
	db := newDB(t)
	r := reactive.NewRegistry()

	a := reactive.NewViewSet(db, newCollector(), reactive.WithID("a"))
	_, err := a.CreateView("employee", nil)
	require.NoError(t, err)
	b := reactive.NewViewSet(db, newCollector(), reactive.WithID("b"))
	r.Register(a)
	r.Register(b)
	assert.Equal(t, 2, r.Len())

	got, ok := r.Get("a")
	require.True(t, ok)
	assert.Same(t, a, got)

	snap := r.SnapshotView()
	require.Len(t, snap, 2)

	b.Dispose()
	assert.Equal(t, 1, r.CleanupOrphans())
	_, ok = r.Get("b")
	assert.False(t, ok)

	r.Unregister("a")
	assert.Zero(t, r.Len())
}

// TestDeltasMatchRequery applies random writes and checks after every commit
// that the state the listener builds from deltas equals a fresh query of
// every view.
func TestDeltasMatchRequery(t *testing.T) {
	rnd := rand.New(rand.NewSource(prng.SeedFaker(t, 42)))

	db := newDB(t)
	seed(t, db)
	ctx := context.Background()

	const (
		joined  = "SELECT e.id, e.name, d.name AS dept FROM employee e JOIN department d ON d.id = e.department_id"
		outer   = "SELECT e.id, e.name, d.name AS dept, d.region FROM employee e LEFT JOIN department d ON d.id = e.department_id"
		starred = "SELECT e.*, d.region FROM employee e JOIN department d ON d.id = e.department_id"
	)
	c := newCollector()
	vs := reactive.NewViewSet(db, c)
	_, err := vs.CreateView("SELECT * FROM employee WHERE department_id = @dept",
		map[string]any{"dept": []int{1, 2}}, reactive.WithName("filtered"))
	require.NoError(t, err)
	_, err = vs.CreateView(joined, nil, reactive.WithName("joined"))
	require.NoError(t, err)
	_, err = vs.CreateView(outer, nil, reactive.WithName("outer"))
	require.NoError(t, err)
	_, err = vs.CreateView(starred, nil, reactive.WithName("starred"))
	require.NoError(t, err)
	depts, err := vs.CreateView("SELECT id, name FROM department WHERE region = @region",
		map[string]any{"region": "EU"}, reactive.WithName("eu"))
	require.NoError(t, err)
	_, err = vs.CreateView("SELECT id, name FROM employee WHERE department_id = @ids",
		map[string]any{"ids": depts.CreateMultiValueDynamicParam("id")}, reactive.WithName("eu_staff"))
	require.NoError(t, err)
	start(t, vs)

	expected := map[string]func() ([]database.Row, error){
		"filtered": func() ([]database.Row, error) {
			return db.SelectRows(ctx, "SELECT * FROM employee WHERE department_id = @d", map[string]any{"d": []int{1, 2}})
		},
		"joined":  func() ([]database.Row, error) { return db.SelectRows(ctx, joined, nil) },
		"outer":   func() ([]database.Row, error) { return db.SelectRows(ctx, outer, nil) },
		"starred": func() ([]database.Row, error) { return db.SelectRows(ctx, starred, nil) },
		"eu": func() ([]database.Row, error) {
			return db.SelectRows(ctx, "SELECT id, name FROM department WHERE region = 'EU'", nil)
		},
		"eu_staff": func() ([]database.Row, error) {
			return db.SelectRows(ctx,
				"SELECT e.id, e.name FROM employee e JOIN department d ON d.id = e.department_id WHERE d.region = 'EU'", nil)
		},
	}
	mismatch := func() string {
		for name, query := range expected {
			rows, err := query()
			if err != nil {
				return name + ": " + err.Error()
			}
			got := c.view(name)
			if len(got) != len(rows) {
				return name + ": row count differs"
			}
			for _, row := range rows {
				k := schema.KeyValue([]string{"id"}, row)
				if !got[k].Equal(row) {
					return name + "[" + k + "] differs"
				}
			}
		}
		return ""
	}

	regions := []string{"EU", "US", "APAC"}
	ids := []int64{}
	deptIDs := []int64{1, 2, 3}
	nextID := int64(1000)
	pick := func(list []int64) int64 { return list[rnd.Intn(len(list))] }
	for i := 0; i < 150; i++ {
		tx, err := db.Begin(ctx)
		require.NoError(t, err)
		for j := 0; j < 1+rnd.Intn(3); j++ {
			switch op := rnd.Intn(14); {
			case op < 4 || len(ids) == 0:
				id, err := tx.Insert(ctx, "employee", map[string]any{
					"name":          faker.Name(),
					"department_id": 1 + rnd.Intn(6),
				})
				require.NoError(t, err)
				ids = append(ids, id.(int64))
			case op < 7:
				_, err := tx.Update(ctx, "employee", map[string]any{
					"id":            pick(ids),
					"name":          faker.FirstName(),
					"department_id": 1 + rnd.Intn(6),
				})
				require.NoError(t, err)
			case op < 8:
				k := rnd.Intn(len(ids))
				_, err := tx.Delete(ctx, "employee", map[string]any{"id": ids[k]})
				require.NoError(t, err)
				ids = append(ids[:k], ids[k+1:]...)
			case op < 9:
				k := rnd.Intn(len(ids))
				_, err := tx.Update(ctx, "UPDATE employee SET id = @nid WHERE id = @id",
					map[string]any{"id": ids[k], "nid": nextID})
				require.NoError(t, err)
				ids[k] = nextID
				nextID++
			case op < 11 && len(deptIDs) > 0:
				_, err := tx.Update(ctx, "department", map[string]any{
					"id":     pick(deptIDs),
					"name":   faker.Word(),
					"region": regions[rnd.Intn(len(regions))],
				})
				require.NoError(t, err)
			case op < 12 || len(deptIDs) == 0:
				id, err := tx.Insert(ctx, "department", map[string]any{
					"name":   faker.Word(),
					"region": regions[rnd.Intn(len(regions))],
				})
				require.NoError(t, err)
				deptIDs = append(deptIDs, id.(int64))
			case op < 13:
				k := rnd.Intn(len(deptIDs))
				_, err := tx.Delete(ctx, "department", map[string]any{"id": deptIDs[k]})
				require.NoError(t, err)
				deptIDs = append(deptIDs[:k], deptIDs[k+1:]...)
			default:
				k := rnd.Intn(len(deptIDs))
				_, err := tx.Update(ctx, "UPDATE department SET id = @nid WHERE id = @id",
					map[string]any{"id": deptIDs[k], "nid": nextID})
				require.NoError(t, err)
				deptIDs[k] = nextID
				nextID++
			}
		}
		require.NoError(t, tx.Commit(ctx))

		if !assert.Eventually(t, func() bool {
			return mismatch() == ""
		}, 2*time.Second, 2*time.Millisecond) {
			require.FailNow(t, "view state diverged", "after commit %d: %s", i, mismatch())
		}
	}
}
