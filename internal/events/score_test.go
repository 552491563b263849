package events_test

import (
	"testing"

	"match-radar/internal/events"
	"match-radar/internal/model"

	. "github.com/smartystreets/goconvey/convey"
)

func goal(side model.Side, ownGoal bool) model.MatchEvent {
	ev := model.MatchEvent{EventType: model.EventGoal}
	return ev.WithMeta(model.EventMetadata{Team: side, IsOwnGoal: ownGoal})
}

func TestComputeScore(t *testing.T) {
	Convey("Given goal events for both teams", t, func() {
		Convey("When only direct goals are present", func() {
			evs := []model.MatchEvent{goal(model.SideHome, false), goal(model.SideHome, false), goal(model.SideAway, false)}

			Convey("Then each goal credits the scoring team", func() {
				So(events.ComputeScore(evs, "Casa", "Visitante"), ShouldResemble, model.Score{Home: 2, Away: 1})
			})
		})

		Convey("When the away team scores an own goal", func() {
			evs := []model.MatchEvent{goal(model.SideHome, false), goal(model.SideAway, true)}

			Convey("Then the own goal credits the home side", func() {
				So(events.ComputeScore(evs, "Casa", "Visitante"), ShouldResemble, model.Score{Home: 2, Away: 0})
			})
		})

		Convey("When non-goal events are mixed in", func() {
			shot := model.MatchEvent{EventType: model.EventShot}.WithMeta(model.EventMetadata{Team: model.SideAway})
			evs := []model.MatchEvent{shot, goal(model.SideAway, false)}

			Convey("Then only goals count", func() {
				So(events.ComputeScore(evs, "Casa", "Visitante"), ShouldResemble, model.Score{Home: 0, Away: 1})
			})
		})

		Convey("When the side is missing but the team name matches", func() {
			ev := model.MatchEvent{EventType: model.EventGoal}.WithMeta(model.EventMetadata{TeamName: "visitante"})

			Convey("Then the team name resolves the side", func() {
				So(events.ComputeScore([]model.MatchEvent{ev}, "Casa", "Visitante"), ShouldResemble, model.Score{Away: 1})
			})
		})
	})
}

func TestComputeScoreLaw(t *testing.T) {
	Convey("For every mix of direct and own goals", t, func() {
		for hd := 0; hd < 4; hd++ {
			for ho := 0; ho < 3; ho++ {
				for ad := 0; ad < 4; ad++ {
					for ao := 0; ao < 3; ao++ {
						var evs []model.MatchEvent
						for i := 0; i < hd; i++ {
							evs = append(evs, goal(model.SideHome, false))
						}
						for i := 0; i < ho; i++ {
							evs = append(evs, goal(model.SideHome, true))
						}
						for i := 0; i < ad; i++ {
							evs = append(evs, goal(model.SideAway, false))
						}
						for i := 0; i < ao; i++ {
							evs = append(evs, goal(model.SideAway, true))
						}
						got := events.ComputeScore(evs, "H", "A")
						So(got.Home, ShouldEqual, hd+ao)
						So(got.Away, ShouldEqual, ad+ho)
					}
				}
			}
		}
	})
}

func TestReconcile(t *testing.T) {
	Convey("Given a model that over-reports the home score", t, func() {
		evs := []model.MatchEvent{goal(model.SideHome, false), goal(model.SideHome, false), goal(model.SideAway, false)}
		rec := events.Reconcile(evs, model.Score{Home: 3, Away: 1}, "H", "A")

		Convey("Then the computed score wins and a note is recorded", func() {
			So(rec.Score, ShouldResemble, model.Score{Home: 2, Away: 1})
			So(rec.Consistent, ShouldBeFalse)
			So(rec.Note, ShouldContainSubstring, "3-1")
			So(rec.Note, ShouldContainSubstring, "2-1")
		})
	})

	Convey("Given a model whose score matches the events", t, func() {
		evs := []model.MatchEvent{goal(model.SideAway, false)}
		rec := events.Reconcile(evs, model.Score{Away: 1}, "H", "A")

		Convey("Then no note is recorded", func() {
			So(rec.Consistent, ShouldBeTrue)
			So(rec.Note, ShouldBeEmpty)
		})
	})
}
