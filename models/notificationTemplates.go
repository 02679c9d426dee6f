package models

// Default reminder templates (Lithuanian). Fields: invoice_number, order_number,
// partner_name, amount, due_date, overdue_days.
const (
	defaultDueSoonSubject = "Artėja sąskaitos {{.invoice_number}} apmokėjimo terminas"
	defaultDueSoonBody    = `Laba diena, {{.partner_name}},

primename, kad sąskaitos {{.invoice_number}}{{if .order_number}} (užsakymas {{.order_number}}){{end}} apmokėjimo terminas yra {{.due_date}}.
Mokėtina suma: {{.amount}} EUR.

Jei sąskaitą jau apmokėjote, šį laišką galite ignoruoti.`

	defaultUnpaidSubject = "Neapmokėta sąskaita {{.invoice_number}}"
	defaultUnpaidBody    = `Laba diena, {{.partner_name}},

sąskaitos {{.invoice_number}}{{if .order_number}} (užsakymas {{.order_number}}){{end}} apmokėjimo terminas buvo {{.due_date}}, tačiau mokėjimo dar negavome.
Mokėtina suma: {{.amount}} EUR.

Prašome apmokėti artimiausiu metu.`

	defaultOverdueSubject = "Vėluojama apmokėti sąskaitą {{.invoice_number}} ({{.overdue_days}} d.)"
	defaultOverdueBody    = `Laba diena, {{.partner_name}},

sąskaitos {{.invoice_number}}{{if .order_number}} (užsakymas {{.order_number}}){{end}} apmokėjimas vėluoja {{.overdue_days}} d. (terminas {{.due_date}}).
Likusi mokėtina suma: {{.amount}} EUR.

Prašome nedelsiant apmokėti arba susisiekti su mumis.`
)
