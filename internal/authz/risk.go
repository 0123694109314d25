package authz

import (
	"github.com/enterprise-platform/identity-security/shared/config"
	"github.com/enterprise-platform/identity-security/shared/models"
)

// RiskScorer 访问风险评分器
//
// 评分累加各风险因子权重并截断到[0, 1]，
// 与阈值比较得出附加的访问义务。
type RiskScorer struct {
	weights    config.RiskWeights
	thresholds config.RiskThresholds
}

// NewRiskScorer 创建风险评分器
func NewRiskScorer(cfg config.AuthzConfig) *RiskScorer {
	return &RiskScorer{
		weights:    cfg.RiskWeights,
		thresholds: cfg.RiskThresholds,
	}
}

// Score 评估一次访问的风险
func (s *RiskScorer) Score(req *Request, resource *models.Resource) *RiskAssessment {
	assessment := &RiskAssessment{}
	score := 0.0

	if w, ok := s.weights.Classification[string(resource.Classification)]; ok && w > 0 {
		score += w
		assessment.Factors = append(assessment.Factors, "数据分级: "+string(resource.Classification))
	}

	if w, ok := s.weights.ResourceRisk[string(resource.RiskLevel)]; ok && w > 0 {
		score += w
		assessment.Factors = append(assessment.Factors, "资源风险等级: "+string(resource.RiskLevel))
	}

	// 请求来源地域与数据驻留地域不一致
	if resource.DataResidencyRegion != "" && req.Context.GeoRegion != "" &&
		resource.DataResidencyRegion != req.Context.GeoRegion {
		score += s.weights.GeoMismatch
		assessment.Factors = append(assessment.Factors, "跨地域访问")
	}

	// 紧急通道访问本身即是风险信号
	if req.Context.Emergency {
		score += s.weights.Emergency
		assessment.Factors = append(assessment.Factors, "紧急访问")
	}

	if score > 1.0 {
		score = 1.0
	}
	assessment.Score = score

	assessment.RequiresAuditLogging = score >= s.thresholds.AuditLogging
	assessment.RequiresApproval = score >= s.thresholds.Approval
	assessment.RequiresMFA = score >= s.thresholds.MFA
	return assessment
}
