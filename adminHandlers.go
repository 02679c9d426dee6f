package main

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/tms_backend/models"
	"github.com/mmdatafocus/tms_backend/utils"
)

type mailStatusRequest struct {
	Status models.MailMessageStatus `json:"status"`
}

func idParam(c *gin.Context) (int, error) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil || id <= 0 {
		return 0, utils.ValidationError("invalid id %q", c.Param("id"))
	}
	return id, nil
}

func salesInvoiceByNumberHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		inv, err := models.GetSalesInvoiceByNumber(ctx, c.Param("number"))
		if err != nil {
			writeError(c, err)
			return
		}
		logs, err := models.EmailLogsForInvoice(ctx, inv.ID)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"invoice": inv, "email_logs": logs})
	}
}

func purchaseInvoiceHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := idParam(c)
		if err != nil {
			writeError(c, err)
			return
		}
		inv, err := models.GetPurchaseInvoice(c.Request.Context(), id)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, inv)
	}
}

func mailMessageHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := idParam(c)
		if err != nil {
			writeError(c, err)
			return
		}
		msg, err := models.GetMailMessage(c.Request.Context(), id)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, msg)
	}
}

func mailStatusHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := idParam(c)
		if err != nil {
			writeError(c, err)
			return
		}
		var req mailStatusRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			writeError(c, utils.ValidationError("invalid request: %v", err))
			return
		}
		if err := models.SetMailStatus(c.Request.Context(), id, req.Status); err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"id": id, "status": req.Status})
	}
}

func trustedSenderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var in models.TrustedSender
		if err := c.ShouldBindJSON(&in); err != nil {
			writeError(c, utils.ValidationError("invalid request: %v", err))
			return
		}
		in.Pattern = strings.ToLower(strings.TrimSpace(in.Pattern))
		if err := models.SaveTrustedSender(c.Request.Context(), &in); err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, in)
	}
}

// promotionalDomainHandler saves the domain; a blocked domain also purges its mail.
func promotionalDomainHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var in models.PromotionalDomain
		if err := c.ShouldBindJSON(&in); err != nil {
			writeError(c, utils.ValidationError("invalid request: %v", err))
			return
		}
		in.Domain = strings.ToLower(strings.TrimSpace(in.Domain))
		if err := models.SavePromotionalDomain(c.Request.Context(), &in); err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, in)
	}
}

func saveStatusRuleHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var in models.StatusTransitionRule
		if err := c.ShouldBindJSON(&in); err != nil {
			writeError(c, utils.ValidationError("invalid request: %v", err))
			return
		}
		if err := models.SaveStatusRule(c.Request.Context(), &in); err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, in)
	}
}

func deleteStatusRuleHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := idParam(c)
		if err != nil {
			writeError(c, err)
			return
		}
		if err := models.DeleteStatusRule(c.Request.Context(), id); err != nil {
			writeError(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}
