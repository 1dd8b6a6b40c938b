package motion

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joeysapp/axi-server-sub001/pkg/ebb"
	"github.com/joeysapp/axi-server-sub001/pkg/errors"
	"github.com/joeysapp/axi-server-sub001/pkg/log"
)

type recorder struct {
	lines   []string
	replies map[string]string
}

func (r *recorder) Send(_ context.Context, cmd ebb.Command) (ebb.Response, error) {
	r.lines = append(r.lines, cmd.Line)
	return ebb.Response{Value: r.replies[cmd.Name]}, nil
}

func v3() Geometry {
	m, _ := ModelFor("V3")
	return Geometry{Model: m, Resolution: Res16th}
}

func TestMixRoundTrip(t *testing.T) {
	for _, p := range []Point{{0, 0}, {800, 0}, {0, 800}, {-120, 45}, {7, -3}} {
		m1, m2 := Mix(p.X, p.Y)
		assert.Equal(t, p, Unmix(m1, m2))
	}
	assert.Equal(t, Point{X: 0, Y: 0}, Unmix(1, 0))
	assert.Equal(t, Point{X: -1, Y: -1}, Unmix(-1, 0))
}

func TestResolutionSteps(t *testing.T) {
	assert.Equal(t, 80.0, Res16th.StepsPerMM())
	assert.Equal(t, 40.0, Res8th.StepsPerMM())
	assert.Equal(t, 5.0, ResFull.StepsPerMM())
	assert.Zero(t, Resolution(0).StepsPerMM())
}

func TestPlanIsDeterministic(t *testing.T) {
	g := v3()
	delta := g.PointMM(10, 0)

	a, err := Plan(delta, 25, g.StepsPerMM())
	require.NoError(t, err)
	b, err := Plan(delta, 25, g.StepsPerMM())
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.Equal(t, 400*time.Millisecond, a.Duration)
	assert.Equal(t, 800, a.Motor1)
	assert.Equal(t, 800, a.Motor2)
}

func TestPlanRespectsStepRate(t *testing.T) {
	g := v3()
	// 100mm diagonal at an absurd speed: motor 1 moves 16000 steps.
	mv, err := Plan(g.PointMM(100, 100), 10000, g.StepsPerMM())
	require.NoError(t, err)
	assert.Equal(t, 16000, mv.Motor1)
	assert.Equal(t, 0, mv.Motor2)
	assert.Equal(t, 640*time.Millisecond, mv.Duration)

	_, err = ebb.StepperMove(mv.Duration, mv.Motor1, mv.Motor2)
	assert.NoError(t, err)
}

func TestPlanEmptyAndInvalid(t *testing.T) {
	mv, err := Plan(Point{}, 25, 80)
	require.NoError(t, err)
	assert.True(t, mv.Empty())

	_, err = Plan(Point{X: 1}, 0, 80)
	assert.True(t, errors.Is(err, errors.ErrValidation))
}

func TestBounds(t *testing.T) {
	g := v3()
	assert.NoError(t, g.CheckBounds(g.PointMM(300, 218)))
	assert.True(t, errors.Is(g.CheckBounds(g.PointMM(-1, 0)), errors.ErrValidation))
	assert.True(t, errors.Is(g.CheckBounds(g.PointMM(0, 219)), errors.ErrValidation))

	_, err := ModelFor("v3xlx")
	assert.NoError(t, err)
	_, err = ModelFor("Plotter9000")
	assert.Error(t, err)
	assert.Len(t, Models(), 5)
}

func TestSpeedsValidate(t *testing.T) {
	assert.NoError(t, DefaultSpeeds().Validate(Res16th))
	assert.Error(t, Speeds{PenDown: 0, PenUp: 10}.Validate(Res16th))
	assert.Error(t, Speeds{PenDown: 10, PenUp: 400}.Validate(Res16th))
	assert.NoError(t, Speeds{PenDown: 10, PenUp: 400}.Validate(Res8th))
}

func TestMotionCommands(t *testing.T) {
	rec := &recorder{replies: map[string]string{"QS": "900,-100", "ES": "1,0,0,12,12"}}
	m := New(rec, v3(), DefaultSpeeds())
	m.SetLogger(log.Discard())
	ctx := context.Background()

	require.NoError(t, m.Enable(ctx, Res8th))
	assert.Equal(t, Res8th, m.Geometry().Resolution)

	mv, err := m.Plan(Point{X: 40}, true)
	require.NoError(t, err)
	require.NoError(t, m.Execute(ctx, mv))
	require.NoError(t, m.Execute(ctx, Move{}))

	pos, err := m.QueryPosition(ctx)
	require.NoError(t, err)
	assert.Equal(t, Point{X: 400, Y: 500}, pos)

	report, err := m.EmergencyStop(ctx)
	require.NoError(t, err)
	assert.True(t, report.Interrupted)
	m1, m2 := report.Dropped()
	assert.Equal(t, 12, m1)
	assert.Equal(t, 12, m2)

	assert.Equal(t, []string{"EM,2,2", "SM,40,40,40", "QS", "ES"}, rec.lines)
}

func TestHomeRate(t *testing.T) {
	rec := &recorder{}
	m := New(rec, v3(), DefaultSpeeds())
	require.NoError(t, m.Home(context.Background(), Point{X: 800, Y: 800}))
	assert.Equal(t, []string{"HM,6000"}, rec.lines)
}
