package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/enterprise-platform/identity-security/internal/mfa"
	webauthnsvc "github.com/enterprise-platform/identity-security/internal/webauthn"
	"github.com/enterprise-platform/identity-security/shared/logger"
	"github.com/enterprise-platform/identity-security/shared/middleware"
	"github.com/enterprise-platform/identity-security/shared/models"
)

// MFAHandler MFA处理器
type MFAHandler struct {
	orchestrator *mfa.Orchestrator
	webauthn     *webauthnsvc.Service
	logger       logger.Logger
}

// NewMFAHandler 创建MFA处理器
func NewMFAHandler(orchestrator *mfa.Orchestrator, webauthnService *webauthnsvc.Service, log logger.Logger) *MFAHandler {
	return &MFAHandler{
		orchestrator: orchestrator,
		webauthn:     webauthnService,
		logger:       log,
	}
}

// EnrollTOTPRequest TOTP注册请求
type EnrollTOTPRequest struct {
	DeviceName  string `json:"device_name" binding:"required,max=100"`
	AccountName string `json:"account_name" binding:"required,max=255"`
}

// EnrollTOTP 注册TOTP设备
func (h *MFAHandler) EnrollTOTP(c *gin.Context) {
	var req EnrollTOTPRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	userID := middleware.UserID(c)
	enrollment, err := h.orchestrator.EnrollTOTP(c.Request.Context(), userID, middleware.TenantID(c), req.DeviceName, req.AccountName)
	if err != nil {
		h.logger.WithFields(map[string]interface{}{
			"user_id": userID,
			"error":   err.Error(),
		}).Error("注册TOTP设备失败")
		writeError(c, err, "注册TOTP设备失败")
		return
	}

	ok(c, "请使用验证器应用扫描二维码，并提交首个验证码完成确认", enrollment)
}

// EnrollSMSRequest 短信设备注册请求
type EnrollSMSRequest struct {
	DeviceName string `json:"device_name" binding:"required,max=100"`
	Phone      string `json:"phone" binding:"required,intl_phone"`
}

// EnrollSMS 注册短信设备
func (h *MFAHandler) EnrollSMS(c *gin.Context) {
	var req EnrollSMSRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	userID := middleware.UserID(c)
	device, err := h.orchestrator.EnrollSMS(c.Request.Context(), userID, middleware.TenantID(c), req.DeviceName, req.Phone)
	if err != nil {
		h.logger.WithField("user_id", userID).Errorf("注册短信设备失败: %v", err)
		writeError(c, err, "注册短信设备失败")
		return
	}

	ok(c, "短信设备已登记，请发起挑战并提交验证码完成确认", device)
}

// EnrollEmailRequest 邮件设备注册请求
type EnrollEmailRequest struct {
	DeviceName string `json:"device_name" binding:"required,max=100"`
	Email      string `json:"email" binding:"required,email"`
}

// EnrollEmail 注册邮件设备
func (h *MFAHandler) EnrollEmail(c *gin.Context) {
	var req EnrollEmailRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	userID := middleware.UserID(c)
	device, err := h.orchestrator.EnrollEmail(c.Request.Context(), userID, middleware.TenantID(c), req.DeviceName, req.Email)
	if err != nil {
		h.logger.WithField("user_id", userID).Errorf("注册邮件设备失败: %v", err)
		writeError(c, err, "注册邮件设备失败")
		return
	}

	ok(c, "邮件设备已登记，请发起挑战并提交验证码完成确认", device)
}

// BeginWebAuthnRequest WebAuthn注册开始请求
type BeginWebAuthnRequest struct {
	Username    string `json:"username" binding:"required,max=255"`
	DisplayName string `json:"display_name" binding:"required,max=255"`
	Factor      string `json:"factor" binding:"required,oneof=webauthn_platform webauthn_cross_platform"`
}

// BeginWebAuthnRegistration 开始WebAuthn凭证注册仪式
func (h *MFAHandler) BeginWebAuthnRegistration(c *gin.Context) {
	var req BeginWebAuthnRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	userID := middleware.UserID(c)
	creation, err := h.webauthn.BeginRegistration(c.Request.Context(), userID, req.Username, req.DisplayName, models.MFAFactor(req.Factor))
	if err != nil {
		h.logger.WithField("user_id", userID).Errorf("开始WebAuthn注册失败: %v", err)
		writeError(c, err, "开始WebAuthn注册失败")
		return
	}

	ok(c, "请在客户端完成认证器操作", creation)
}

// FinishWebAuthnRegistration 完成WebAuthn凭证注册
//
// 请求体为客户端原始attestation响应，注册元数据经查询参数传递。
func (h *MFAHandler) FinishWebAuthnRegistration(c *gin.Context) {
	userID := middleware.UserID(c)
	deviceName := c.DefaultQuery("device_name", "安全密钥")
	username := c.Query("username")
	factor := models.MFAFactor(c.DefaultQuery("factor", string(models.FactorWebAuthnCrossPlat)))
	if !factor.IsWebAuthn() || username == "" {
		badRequest(c, "缺少username或factor参数无效")
		return
	}

	device, err := h.webauthn.FinishRegistration(c.Request.Context(), userID, username, username, deviceName, factor, middleware.TenantID(c), c.Request.Body)
	if err != nil {
		h.logger.WithField("user_id", userID).Errorf("完成WebAuthn注册失败: %v", err)
		writeError(c, err, "完成WebAuthn注册失败")
		return
	}

	ok(c, "WebAuthn凭证注册成功", device)
}

// RequiresMFA 判定是否需要第二因子
func (h *MFAHandler) RequiresMFA(c *gin.Context) {
	userID := middleware.UserID(c)
	decision, err := h.orchestrator.RequiresMFA(c.Request.Context(), userID, c.Query("device_fingerprint"))
	if err != nil {
		h.logger.WithField("user_id", userID).Errorf("MFA判定失败: %v", err)
		writeError(c, err, "MFA判定失败")
		return
	}
	ok(c, "判定完成", decision)
}

// GetMethods 列出可用验证方式
func (h *MFAHandler) GetMethods(c *gin.Context) {
	userID := middleware.UserID(c)
	methods, err := h.orchestrator.AvailableMethods(c.Request.Context(), userID)
	if err != nil {
		writeError(c, err, "查询可用方式失败")
		return
	}

	response := gin.H{"methods": methods}
	if recommended, err := h.orchestrator.RecommendedMethod(c.Request.Context(), userID); err == nil {
		response["recommended"] = recommended
	}
	ok(c, "查询成功", response)
}

// GetEnrollmentStatus 查询MFA注册状态
func (h *MFAHandler) GetEnrollmentStatus(c *gin.Context) {
	status, err := h.orchestrator.GetEnrollmentStatus(c.Request.Context(), middleware.UserID(c))
	if err != nil {
		writeError(c, err, "查询注册状态失败")
		return
	}
	ok(c, "查询成功", status)
}

// IssueChallengeRequest 挑战签发请求
type IssueChallengeRequest struct {
	DeviceID  string `json:"device_id"`
	Factor    string `json:"factor"`
	SessionID string `json:"session_id" binding:"required,max=128"`
}

// IssueChallenge 签发MFA挑战
func (h *MFAHandler) IssueChallenge(c *gin.Context) {
	var req IssueChallengeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	issueReq := &mfa.IssueChallengeRequest{
		UserID:    middleware.UserID(c),
		Factor:    models.MFAFactor(req.Factor),
		SessionID: req.SessionID,
		ClientIP:  c.ClientIP(),
		UserAgent: c.GetHeader("User-Agent"),
	}
	if req.DeviceID != "" {
		deviceID, err := uuid.Parse(req.DeviceID)
		if err != nil {
			badRequest(c, "device_id格式无效")
			return
		}
		issueReq.DeviceID = deviceID
	} else if issueReq.Factor != models.FactorBackupCodes {
		badRequest(c, "缺少device_id")
		return
	}

	info, err := h.orchestrator.IssueChallenge(c.Request.Context(), issueReq)
	if err != nil {
		h.logger.WithFields(map[string]interface{}{
			"user_id": issueReq.UserID,
			"error":   err.Error(),
		}).Warn("签发MFA挑战失败")
		writeError(c, err, "签发挑战失败")
		return
	}

	ok(c, "挑战已签发", info)
}

// VerifyChallengeRequest 挑战验证请求
type VerifyChallengeRequest struct {
	ChallengeID       string `json:"challenge_id" binding:"required,uuid"`
	Response          string `json:"response" binding:"required"`
	RememberDevice    bool   `json:"remember_device"`
	DeviceFingerprint string `json:"device_fingerprint" binding:"max=255"`
	DeviceName        string `json:"device_name" binding:"max=100"`
}

// VerifyChallenge 验证MFA挑战
func (h *MFAHandler) VerifyChallenge(c *gin.Context) {
	var req VerifyChallengeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	userID := middleware.UserID(c)
	result, err := h.orchestrator.VerifyChallenge(c.Request.Context(), &mfa.VerifyChallengeRequest{
		ChallengeID:       uuid.MustParse(req.ChallengeID),
		UserID:            userID,
		Response:          req.Response,
		ClientIP:          c.ClientIP(),
		UserAgent:         c.GetHeader("User-Agent"),
		RememberDevice:    req.RememberDevice,
		DeviceFingerprint: req.DeviceFingerprint,
		DeviceName:        req.DeviceName,
	})
	if err != nil {
		writeError(c, err, "验证挑战失败")
		return
	}

	ok(c, "验证成功", result)
}

// GetDevices 列出用户设备
func (h *MFAHandler) GetDevices(c *gin.Context) {
	devices, err := h.orchestrator.ListDevices(c.Request.Context(), middleware.UserID(c))
	if err != nil {
		writeError(c, err, "查询设备列表失败")
		return
	}
	ok(c, "查询成功", devices)
}

// RemoveDevice 移除设备
func (h *MFAHandler) RemoveDevice(c *gin.Context) {
	deviceID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		badRequest(c, "设备ID格式无效")
		return
	}

	userID := middleware.UserID(c)
	if err := h.orchestrator.RemoveDevice(c.Request.Context(), userID, deviceID, userID.String()); err != nil {
		writeError(c, err, "移除设备失败")
		return
	}
	ok(c, "设备已移除，相关受信任设备已一并吊销", nil)
}

// GetTrustedDevices 列出受信任设备
func (h *MFAHandler) GetTrustedDevices(c *gin.Context) {
	devices, err := h.orchestrator.ListTrustedDevices(c.Request.Context(), middleware.UserID(c))
	if err != nil {
		writeError(c, err, "查询受信任设备失败")
		return
	}
	ok(c, "查询成功", devices)
}

// RevokeTrustedDevice 吊销单个受信任设备
func (h *MFAHandler) RevokeTrustedDevice(c *gin.Context) {
	deviceID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		badRequest(c, "设备ID格式无效")
		return
	}

	userID := middleware.UserID(c)
	reason := c.DefaultQuery("reason", "用户主动吊销")
	if err := h.orchestrator.RevokeTrustedDevice(c.Request.Context(), userID, deviceID, userID.String(), reason); err != nil {
		writeError(c, err, "吊销受信任设备失败")
		return
	}
	ok(c, "受信任设备已吊销", nil)
}

// RevokeAllTrustedDevices 吊销全部受信任设备
func (h *MFAHandler) RevokeAllTrustedDevices(c *gin.Context) {
	userID := middleware.UserID(c)
	count, err := h.orchestrator.RevokeAllTrustedDevices(c.Request.Context(), userID, userID.String(), c.DefaultQuery("reason", "用户主动吊销"))
	if err != nil {
		writeError(c, err, "吊销受信任设备失败")
		return
	}
	ok(c, "受信任设备已全部吊销", gin.H{"revoked": count})
}

// RegenerateBackupCodes 重新生成备用码
func (h *MFAHandler) RegenerateBackupCodes(c *gin.Context) {
	userID := middleware.UserID(c)
	codes, err := h.orchestrator.RegenerateBackupCodes(c.Request.Context(), userID)
	if err != nil {
		h.logger.WithField("user_id", userID).Errorf("重新生成备用码失败: %v", err)
		writeError(c, err, "重新生成备用码失败")
		return
	}

	c.JSON(http.StatusOK, StandardResponse{
		Success: true,
		Data:    gin.H{"codes": codes},
		Message: "新备用码仅此一次展示，请妥善保存；旧备用码已全部失效",
	})
}
