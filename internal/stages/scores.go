package stages

import (
	"context"
	"fmt"
	"math"

	"github.com/rotisserie/eris"

	"github.com/sells-group/livability/internal/model"
	"github.com/sells-group/livability/internal/scheduler"
	"github.com/sells-group/livability/internal/trace"
)

// Scoring stages are pure functions over enrichment outputs. They make no
// external calls; a missing upstream output fails the stage and the report
// drops that dimension rather than inventing a number.

func thirdPlaceScoreStage() scheduler.Stage {
	return scheduler.Stage{
		Name:      StageThirdPlaceScore,
		DependsOn: []string{StagePlaces},
		Run: func(ctx context.Context, in scheduler.Inputs, rec *trace.Recorder) (any, error) {
			p, _ := in.Output(StagePlaces).(*PlacesOutput)
			if p == nil {
				return nil, eris.New("stages: no places data for third place score")
			}
			return scoreThirdPlaces(p), nil
		},
	}
}

func transitAccessScoreStage() scheduler.Stage {
	return scheduler.Stage{
		Name:      StageTransitAccessScore,
		DependsOn: []string{StageCommute, StageTransit},
		Run: func(ctx context.Context, in scheduler.Inputs, rec *trace.Recorder) (any, error) {
			commute, _ := in.Output(StageCommute).(*CommuteOutput)
			transit, _ := in.Output(StageTransit).(*TransitOutput)
			if transit == nil && commute == nil {
				return nil, eris.New("stages: no transit or commute data for transit access score")
			}
			return scoreTransitAccess(commute, transit), nil
		},
	}
}

func greenScoreStage() scheduler.Stage {
	return scheduler.Stage{
		Name:      StageGreenScore,
		DependsOn: []string{StageGreenspace, StageWalkability},
		Run: func(ctx context.Context, in scheduler.Inputs, rec *trace.Recorder) (any, error) {
			green, _ := in.Output(StageGreenspace).(*GreenspaceOutput)
			walk, _ := in.Output(StageWalkability).(*WalkabilityOutput)
			if green == nil {
				return nil, eris.New("stages: no greenspace data for green score")
			}
			return scoreGreen(green, walk), nil
		},
	}
}

func schoolsScoreStage() scheduler.Stage {
	return scheduler.Stage{
		Name:      StageSchoolsScore,
		DependsOn: []string{StageSchools},
		Run: func(ctx context.Context, in scheduler.Inputs, rec *trace.Recorder) (any, error) {
			s, _ := in.Output(StageSchools).(*SchoolsOutput)
			if s == nil {
				return nil, eris.New("stages: no schools data for schools score")
			}
			return scoreSchools(s), nil
		},
	}
}

func safetyScoreStage() scheduler.Stage {
	return scheduler.Stage{
		Name:      StageSafetyScore,
		DependsOn: []string{StageSafety},
		Run: func(ctx context.Context, in scheduler.Inputs, rec *trace.Recorder) (any, error) {
			s, _ := in.Output(StageSafety).(*SafetyOutput)
			if s == nil {
				return nil, eris.New("stages: no safety data for safety score")
			}
			return scoreSafety(s), nil
		},
	}
}

func commuteScoreStage() scheduler.Stage {
	return scheduler.Stage{
		Name:      StageCommuteScore,
		DependsOn: []string{StageCommute},
		Run: func(ctx context.Context, in scheduler.Inputs, rec *trace.Recorder) (any, error) {
			c, _ := in.Output(StageCommute).(*CommuteOutput)
			if c == nil {
				return nil, eris.New("stages: no commute data for commute score")
			}
			return scoreCommute(c), nil
		},
	}
}

// reportStage assembles the final score map. Scoring stages that failed are
// left out; degraded upstream data marks the dimension degraded.
func reportStage(address string) scheduler.Stage {
	scoreStages := []string{
		StageThirdPlaceScore, StageTransitAccessScore, StageGreenScore,
		StageSchoolsScore, StageSafetyScore, StageCommuteScore,
	}
	return scheduler.Stage{
		Name:      StageReport,
		DependsOn: append([]string{StageGeocode}, scoreStages...),
		Run: func(ctx context.Context, in scheduler.Inputs, rec *trace.Recorder) (any, error) {
			loc, err := locationFrom(in)
			if err != nil {
				return nil, err
			}

			out := &ReportOutput{
				Address:  address,
				Location: loc,
				Scores:   make(map[string]model.DimensionScore, len(scoreStages)),
			}

			sum := 0.0
			for _, name := range scoreStages {
				r, ok := in[name]
				if !ok || !r.OK {
					continue
				}
				score, isScore := r.Output.(model.DimensionScore)
				if !isScore {
					continue
				}
				if r.Degraded {
					score.Degraded = true
				}
				out.Scores[score.Dimension] = score
				sum += score.Score
			}
			// Zero scores still produces a report: the address resolved, so
			// the job is done with every dimension unavailable, not failed.
			if len(out.Scores) > 0 {
				out.Overall = math.Round(sum/float64(len(out.Scores))*10) / 10
			}
			return out, nil
		},
	}
}

func clampScore(v float64) float64 {
	return math.Round(math.Min(100, math.Max(0, v))*10) / 10
}

func scoreThirdPlaces(p *PlacesOutput) model.DimensionScore {
	ratingSum, rated := 0.0, 0
	for _, list := range p.ByCategory {
		for _, place := range list {
			if place.Rating > 0 {
				ratingSum += place.Rating
				rated++
			}
		}
	}

	score := float64(p.Total) * 3
	if rated > 0 {
		// Shift by quality: a 5.0 average adds 20, a 3.0 average adds 0.
		score += (ratingSum/float64(rated) - 3.0) * 10
	}
	return model.DimensionScore{
		Dimension: DimThirdPlaces,
		Score:     clampScore(score),
		Detail:    fmt.Sprintf("%d third places in range", p.Total),
	}
}

func scoreTransitAccess(commute *CommuteOutput, transit *TransitOutput) model.DimensionScore {
	score := 0.0
	detail := ""
	degraded := false

	if transit != nil {
		score += math.Min(60, float64(transit.StopCount)*4)
		score += math.Min(25, float64(len(transit.Routes))*3)
		score += math.Min(15, float64(len(transit.ByMode))*5)
		detail = fmt.Sprintf("%d stops, %d routes", transit.StopCount, len(transit.Routes))
	} else {
		degraded = true
		detail = "no transit profile"
	}

	// A close commute hub usually means a serviced corridor; a distant one
	// caps how useful the local stops are.
	if commute != nil && commute.NearestHub != nil {
		minutes := commute.NearestHub.Seconds / 60
		if minutes > 45 {
			score *= 0.7
		}
	}

	return model.DimensionScore{
		Dimension: DimTransitAccess,
		Score:     clampScore(score),
		Degraded:  degraded,
		Detail:    detail,
	}
}

func scoreGreen(green *GreenspaceOutput, walk *WalkabilityOutput) model.DimensionScore {
	// 2 points per hectare of park, capped; small bonus per distinct park.
	score := math.Min(70, green.ParkAreaSqM/10000*2)
	score += math.Min(10, float64(green.ParkCount)*2)

	degraded := false
	if walk != nil {
		score += float64(walk.Walk) * 0.2
	} else {
		degraded = true
	}

	return model.DimensionScore{
		Dimension: DimGreen,
		Score:     clampScore(score),
		Degraded:  degraded,
		Detail:    fmt.Sprintf("%d parks, %.1f ha", green.ParkCount, green.ParkAreaSqM/10000),
	}
}

func scoreSchools(s *SchoolsOutput) model.DimensionScore {
	ratingSum, rated := 0.0, 0
	for _, school := range s.Schools {
		if school.Rating > 0 {
			ratingSum += school.Rating
			rated++
		}
	}

	score := math.Min(80, float64(len(s.Schools))*12)
	if rated > 0 {
		score += (ratingSum/float64(rated) - 3.0) * 10
	}
	return model.DimensionScore{
		Dimension: DimSchools,
		Score:     clampScore(score),
		Detail:    fmt.Sprintf("%d schools in range", len(s.Schools)),
	}
}

func scoreSafety(s *SafetyOutput) model.DimensionScore {
	score := 0.0
	if s.PoliceCount > 0 {
		score += 35 + proximityBonus(s.NearestPoliceM, 15)
	}
	if s.FireCount > 0 {
		score += 35 + proximityBonus(s.NearestFireM, 15)
	}
	return model.DimensionScore{
		Dimension: DimSafety,
		Score:     clampScore(score),
		Detail:    fmt.Sprintf("%d police, %d fire stations in range", s.PoliceCount, s.FireCount),
	}
}

// proximityBonus scales max down to 0 as distance approaches 3km.
func proximityBonus(meters, max float64) float64 {
	if meters <= 0 || meters >= 3000 {
		return 0
	}
	return max * (1 - meters/3000)
}

func scoreCommute(c *CommuteOutput) model.DimensionScore {
	if c.NearestHub == nil {
		return model.DimensionScore{
			Dimension: DimCommute,
			Score:     0,
			Detail:    "no commute hubs configured",
		}
	}

	// 10 minutes or less scores 100; every extra minute costs 2 points.
	minutes := c.NearestHub.Seconds / 60
	score := 100 - (minutes-10)*2
	return model.DimensionScore{
		Dimension: DimCommute,
		Score:     clampScore(score),
		Detail:    fmt.Sprintf("%.0f min to %s", minutes, c.NearestHub.Hub),
	}
}
