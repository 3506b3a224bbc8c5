package handler

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/edukit/student-records-api/internal/models"
	"github.com/edukit/student-records-api/internal/service"
	appErrors "github.com/edukit/student-records-api/pkg/errors"
	"github.com/edukit/student-records-api/pkg/export"
	"github.com/edukit/student-records-api/pkg/response"
)

var rosterColumns = []string{"ID", "First Name", "Last Name", "Email", "Phone", "Course", "Grade", "Status", "Enrollment Date"}

// ExportHandler renders the filtered student roster as CSV or PDF.
type ExportHandler struct {
	students *service.StudentService
}

// NewExportHandler constructs ExportHandler.
func NewExportHandler(students *service.StudentService) *ExportHandler {
	return &ExportHandler{students: students}
}

// Export godoc
// @Summary Export the student roster
// @Tags Students
// @Produce text/csv
// @Produce application/pdf
// @Param format query string false "csv (default) or pdf"
// @Param search query string false "Substring match on name, email or course"
// @Param course query string false "Exact course filter"
// @Param status query string false "Exact status filter"
// @Success 200 {file} file
// @Router /students/export [get]
func (h *ExportHandler) Export(c *gin.Context) {
	filter := models.StudentFilter{
		Search: strings.TrimSpace(c.Query("search")),
		Course: c.Query("course"),
		Status: c.Query("status"),
	}

	students, err := h.students.List(c.Request.Context(), filter)
	if err != nil {
		response.Error(c, err)
		return
	}

	roster := buildRoster(students)

	format := strings.ToLower(c.DefaultQuery("format", "csv"))
	switch format {
	case "csv":
		payload, err := export.RenderCSV(roster)
		if err != nil {
			response.Error(c, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to render csv"))
			return
		}
		c.Header("Content-Disposition", `attachment; filename="students.csv"`)
		c.Data(http.StatusOK, "text/csv", payload)
	case "pdf":
		payload, err := export.RenderPDF(roster)
		if err != nil {
			response.Error(c, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to render pdf"))
			return
		}
		c.Header("Content-Disposition", `attachment; filename="students.pdf"`)
		c.Data(http.StatusOK, "application/pdf", payload)
	default:
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "unsupported export format"))
	}
}

func buildRoster(students []models.StudentDetail) export.Roster {
	rows := make([][]string, len(students))
	for i, student := range students {
		rows[i] = []string{
			fmt.Sprintf("%d", student.ID),
			student.FirstName,
			student.LastName,
			student.Email,
			student.Phone,
			student.Course,
			student.Grade,
			student.Status,
			student.EnrollmentDate.Format("2006-01-02"),
		}
	}
	return export.Roster{
		Title:   fmt.Sprintf("Student Roster - %s", time.Now().Format("2006-01-02")),
		Columns: rosterColumns,
		Rows:    rows,
	}
}
