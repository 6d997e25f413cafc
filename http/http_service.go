package http

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/paygridlabs/paygrid/invoices"
	"github.com/paygridlabs/paygrid/logger"
	"github.com/paygridlabs/paygrid/service"
	"github.com/paygridlabs/paygrid/utils"
)

type ErrorResponse struct {
	Message string `json:"message"`
}

type makeInvoiceRequest struct {
	AmountMsat  uint64                 `json:"amount_msat"`
	Description string                 `json:"description"`
	Expiry      uint64                 `json:"expiry"`
	Metadata    map[string]interface{} `json:"metadata"`
}

type HttpService struct {
	svc             service.Service
	invoicesService invoices.InvoicesService
}

func NewHttpService(svc service.Service) *HttpService {
	return &HttpService{
		svc:             svc,
		invoicesService: svc.GetInvoicesService(),
	}
}

func (httpSvc *HttpService) RegisterSharedRoutes(e *echo.Echo) {
	e.HideBanner = true
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:    true,
		LogStatus: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			logger.Logger.Debug().
				Str("uri", v.URI).
				Int("status", v.Status).
				Msg("Handled request")
			return nil
		},
	}))
	e.Use(middleware.Recover())

	e.GET("/api/info", httpSvc.infoHandler)
	e.POST("/api/invoices", httpSvc.makeInvoiceHandler)
	e.GET("/api/invoices/pending", httpSvc.listPendingInvoicesHandler)
	e.GET("/api/invoices/:invoiceId", httpSvc.lookupInvoiceHandler)
	e.POST("/api/payment-methods/:paymentMethodId/activate", httpSvc.activatePaymentMethodHandler)
	e.GET("/api/logs", httpSvc.getLogOutputHandler)
}

func (httpSvc *HttpService) infoHandler(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"network":         httpSvc.svc.GetConfig().GetNetwork(),
		"base_url":        httpSvc.svc.GetConfig().GetEnv().BaseUrl,
		"node_configured": httpSvc.svc.GetNodeClient() != nil,
	})
}

func (httpSvc *HttpService) makeInvoiceHandler(c echo.Context) error {
	var request makeInvoiceRequest
	if err := c.Bind(&request); err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{
			Message: fmt.Sprintf("Bad request: %s", err.Error()),
		})
	}
	if request.AmountMsat == 0 {
		return c.JSON(http.StatusBadRequest, ErrorResponse{
			Message: "Bad request: amount_msat is required",
		})
	}

	nodeClient := httpSvc.svc.GetNodeClient()
	if nodeClient == nil {
		return c.JSON(http.StatusServiceUnavailable, ErrorResponse{
			Message: "No lightning node configured",
		})
	}

	invoice, err := httpSvc.invoicesService.CreateInvoice(
		c.Request().Context(),
		request.AmountMsat,
		request.Description,
		request.Expiry,
		request.Metadata,
		nodeClient,
		httpSvc.svc.GetDefaultNodeUri(),
	)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, ErrorResponse{
			Message: err.Error(),
		})
	}

	return c.JSON(http.StatusOK, invoice)
}

func (httpSvc *HttpService) lookupInvoiceHandler(c echo.Context) error {
	invoice, err := httpSvc.invoicesService.GetInvoice(c.Request().Context(), c.Param("invoiceId"))
	if err != nil {
		if errors.Is(err, invoices.NewNotFoundError()) {
			return c.JSON(http.StatusNotFound, ErrorResponse{
				Message: err.Error(),
			})
		}
		return c.JSON(http.StatusInternalServerError, ErrorResponse{
			Message: err.Error(),
		})
	}

	return c.JSON(http.StatusOK, invoice)
}

func (httpSvc *HttpService) listPendingInvoicesHandler(c echo.Context) error {
	invoiceIds, err := httpSvc.invoicesService.GetPendingInvoiceIds(c.Request().Context())
	if err != nil {
		return c.JSON(http.StatusInternalServerError, ErrorResponse{
			Message: err.Error(),
		})
	}

	return c.JSON(http.StatusOK, invoiceIds)
}

func (httpSvc *HttpService) getLogOutputHandler(c echo.Context) error {
	maxLen := 0
	if maxLenParam := c.QueryParam("maxLen"); maxLenParam != "" {
		if _, err := fmt.Sscanf(maxLenParam, "%d", &maxLen); err != nil {
			return c.JSON(http.StatusBadRequest, ErrorResponse{
				Message: "Bad request: invalid maxLen",
			})
		}
	}

	logFileName := logger.GetLogFilePath()
	if logFileName == "" {
		return c.JSON(http.StatusNotFound, ErrorResponse{
			Message: "File log is disabled",
		})
	}

	logData, err := utils.ReadFileTail(logFileName, maxLen)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, ErrorResponse{
			Message: err.Error(),
		})
	}

	return c.Blob(http.StatusOK, "text/plain", logData)
}

func (httpSvc *HttpService) activatePaymentMethodHandler(c echo.Context) error {
	var paymentMethodId uint
	if _, err := fmt.Sscanf(c.Param("paymentMethodId"), "%d", &paymentMethodId); err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{
			Message: "Bad request: invalid payment method id",
		})
	}

	err := httpSvc.invoicesService.ActivatePaymentMethod(c.Request().Context(), paymentMethodId)
	if err != nil {
		if errors.Is(err, invoices.NewNotFoundError()) {
			return c.JSON(http.StatusNotFound, ErrorResponse{
				Message: err.Error(),
			})
		}
		return c.JSON(http.StatusInternalServerError, ErrorResponse{
			Message: err.Error(),
		})
	}

	return c.NoContent(http.StatusNoContent)
}
