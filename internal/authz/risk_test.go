package authz

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/enterprise-platform/identity-security/shared/models"
)

func TestRiskScorer_ScoreClamped(t *testing.T) {
	scorer := NewRiskScorer(testAuthzConfig())

	resource := &models.Resource{
		Classification:      models.ClassificationTopSecret,
		RiskLevel:           models.RiskCritical,
		DataResidencyRegion: "cn-north",
	}
	req := &Request{Context: RequestContext{GeoRegion: "eu-west", Emergency: true}}

	// 0.7+0.5+0.2+0.3 截断到1.0
	assessment := scorer.Score(req, resource)
	assert.Equal(t, 1.0, assessment.Score)
	assert.Len(t, assessment.Factors, 4)
	assert.True(t, assessment.RequiresAuditLogging)
	assert.True(t, assessment.RequiresApproval)
	assert.True(t, assessment.RequiresMFA)
}

func TestRiskScorer_PublicResourceNoObligations(t *testing.T) {
	scorer := NewRiskScorer(testAuthzConfig())

	resource := &models.Resource{
		Classification: models.ClassificationPublic,
		RiskLevel:      models.RiskLow,
	}
	assessment := scorer.Score(&Request{}, resource)

	assert.Equal(t, 0.0, assessment.Score)
	assert.Empty(t, assessment.Factors)
	assert.False(t, assessment.RequiresAuditLogging)
	assert.False(t, assessment.RequiresApproval)
	assert.False(t, assessment.RequiresMFA)
}

func TestRiskScorer_GeoMatchNoPenalty(t *testing.T) {
	scorer := NewRiskScorer(testAuthzConfig())

	resource := &models.Resource{
		Classification:      models.ClassificationInternal,
		RiskLevel:           models.RiskLow,
		DataResidencyRegion: "cn-north",
	}
	req := &Request{Context: RequestContext{GeoRegion: "cn-north"}}

	assessment := scorer.Score(req, resource)
	assert.InDelta(t, 0.1, assessment.Score, 1e-9)
}
