// Package validation implements component D: field presence and
// format checks over a tender record and its document list, ported
// field-for-field (including the INN/KPP/email/phone patterns) from
// the original checklist validator.
package validation

import (
	"net/url"
	"regexp"

	"tender-pipeline/internal/domain/tender"
)

var (
	innPattern   = regexp.MustCompile(`^(\d{10}|\d{12})$`)
	kppPattern   = regexp.MustCompile(`^\d{9}$`)
	emailPattern = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)
	// Lenient international phone: 1-3 digit country code plus three
	// numeric groups, separators optional.
	phonePattern = regexp.MustCompile(`^\+?\d{1,3}[\s().-]?\d{2,4}[\s().-]?\d{2,4}[\s().-]?\d{2,4}$`)
)

// DocumentAllowedExtensions are the extensions a declared document may
// carry to pass validation.
var DocumentAllowedExtensions = map[string]bool{
	"pdf": true, "docx": true, "zip": true, "7z": true, "xls": true, "xlsx": true,
}

// ValidateTender checks the required fields and formats of t,
// returning one message per violation (empty slice means valid).
func ValidateTender(t *tender.Tender) []string {
	var messages []string

	if t.ExternalID == "" {
		messages = append(messages, "Отсутствует внешний идентификатор тендера")
	}
	if t.NotificationNumber == "" {
		messages = append(messages, "Отсутствует номер закупки")
	}
	if t.Title == "" {
		messages = append(messages, "Отсутствует название тендера")
	}
	if t.PublicationDate.IsZero() {
		messages = append(messages, "Отсутствует дата публикации")
	}
	if t.ApplicationDeadline.IsZero() {
		messages = append(messages, "Отсутствует срок подачи заявок")
	}
	if t.Organizer.FullName() == "" {
		messages = append(messages, "Отсутствует полное наименование заказчика")
	}

	inn := t.Organizer.INN()
	if inn == "" {
		messages = append(messages, "Отсутствует ИНН заказчика")
	} else if !innPattern.MatchString(inn) {
		messages = append(messages, "ИНН заказчика должен содержать 10 или 12 цифр")
	}

	if kpp := t.Organizer.KPP(); kpp != "" && !kppPattern.MatchString(kpp) {
		messages = append(messages, "КПП заказчика должен содержать 9 цифр")
	}

	if email := t.Organizer.Email(); email != "" && !emailPattern.MatchString(email) {
		messages = append(messages, "Некорректный формат email заказчика")
	}

	if phone := t.Organizer.Phone(); phone != "" && !phonePattern.MatchString(phone) {
		messages = append(messages, "Некорректный формат телефона заказчика")
	}

	return messages
}

// ValidateDocuments checks the declared document list, returning one
// message per violation. An empty list is itself a violation.
func ValidateDocuments(docs []tender.Document) []string {
	var messages []string

	if len(docs) == 0 {
		messages = append(messages, "Список документов пуст")
		return messages
	}

	for _, d := range docs {
		if d.FileName == "" || !DocumentAllowedExtensions[d.Extension()] {
			messages = append(messages, "Недопустимое расширение файла: "+d.FileName)
		}
		if !validDocumentURL(d.URL) {
			messages = append(messages, "Некорректный URL документа: "+d.URL)
		}
	}

	return messages
}

func validDocumentURL(raw string) bool {
	if raw == "" {
		return false
	}
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return u.Scheme != "" && u.Host != ""
}

// Validate aggregates 4.D's two checklists: the tender's own fields
// and its document list. A non-empty result means validation failed.
func Validate(t *tender.Tender) []string {
	messages := ValidateTender(t)
	messages = append(messages, ValidateDocuments(t.Documents)...)
	return messages
}
