package pricing

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// DateLayout — формат календарной даты доставки (без времени).
const DateLayout = "2006-01-02"

// FailureKind классифицирует отказ валидации черновика заказа.
type FailureKind string

const (
	// FailureMissingRequiredFields — не заполнено обязательное поле.
	FailureMissingRequiredFields FailureKind = "missing_required_fields"
	// FailureExceedsAvailableQuantity — количество больше доступного.
	FailureExceedsAvailableQuantity FailureKind = "exceeds_available_quantity"
	// FailureInsufficientBalance — стоимость превышает баланс; единственный
	// отказ, восстановимый в том же сценарии через покупку баллов.
	FailureInsufficientBalance FailureKind = "insufficient_balance"
	// FailureNoChanges — изменение заказа не меняет ни одного поля.
	FailureNoChanges FailureKind = "no_changes"
)

// Failure описывает один отказ валидации с данными для формирования сообщения.
type Failure struct {
	Kind         FailureKind `json:"kind"`
	Fields       []string    `json:"fields,omitempty"`
	MaxAvailable float64     `json:"max_available,omitempty"`
	Unit         string      `json:"unit,omitempty"`
	Shortfall    int64       `json:"shortfall,omitempty"`
}

// ValidationError агрегирует отказы валидации черновика. Отказы разрешаются
// локально в форме и никогда не уходят во внешние вызовы.
type ValidationError struct {
	Failures []Failure
}

func (e *ValidationError) Error() string {
	kinds := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		kinds = append(kinds, string(f.Kind))
	}
	return "order draft validation failed: " + strings.Join(kinds, ", ")
}

// Has сообщает, содержит ли ошибка отказ указанного вида.
func (e *ValidationError) Has(kind FailureKind) bool {
	for _, f := range e.Failures {
		if f.Kind == kind {
			return true
		}
	}
	return false
}

// ExistingOrder — поля существующего заказа, с которыми сравнивается
// черновик в сценарии изменения.
type ExistingOrder struct {
	Quantity        float64
	DeliveryAddress string
	DeliveryDate    time.Time
	Instructions    string
}

// Draft — черновик заказа, принятия оффера или изменения заказа,
// собранный формой. Quantity хранится сырым текстом: поле ввода свободное.
type Draft struct {
	Quantity        string
	PricePerUnit    float64
	MaxAvailable    *float64
	Unit            string
	DeliveryAddress string
	DeliveryDate    string
	AdditionalDates []string
	Instructions    string
	CurrentBalance  int64

	// Existing заполняется только в сценарии изменения заказа.
	Existing *ExistingOrder
}

// Intent — неизменяемый результат успешной валидации черновика,
// готовый к передаче во внешнюю процедуру создания заказа/оффера.
type Intent struct {
	Quantity        float64
	PricePerUnit    float64
	TotalPrice      int64
	DeliveryAddress string
	DeliveryDate    time.Time
	AdditionalDates []time.Time
	Instructions    string
}

// Build валидирует черновик и возвращает либо Intent с проверкой баланса,
// либо *ValidationError. Классы проверок выполняются по порядку с остановкой
// на первом сработавшем: обязательные поля, максимум количества, достаточность
// баланса, отсутствие изменений (только для сценария изменения).
func Build(d Draft) (Intent, BalanceCheck, error) {
	quantity := ParseQuantity(d.Quantity)
	address := strings.TrimSpace(d.DeliveryAddress)
	deliveryDate, dateOK := parseDate(d.DeliveryDate)

	// Недопустимый текст количества сводится к 0 и неотличим от пустого
	// поля; дата в прошлом приравнена к отсутствующей.
	var missing []string
	if quantity <= 0 {
		missing = append(missing, "quantity")
	}
	if address == "" {
		missing = append(missing, "delivery_address")
	}
	if !dateOK || deliveryDate.Before(today()) {
		missing = append(missing, "delivery_date")
	}
	if len(missing) > 0 {
		return Intent{}, BalanceCheck{}, &ValidationError{Failures: []Failure{{
			Kind:   FailureMissingRequiredFields,
			Fields: missing,
		}}}
	}

	if ExceedsMax(quantity, d.MaxAvailable) {
		return Intent{}, BalanceCheck{}, &ValidationError{Failures: []Failure{{
			Kind:         FailureExceedsAvailableQuantity,
			MaxAvailable: *d.MaxAvailable,
			Unit:         d.Unit,
		}}}
	}

	total := Total(quantity, d.PricePerUnit)
	check := Check(d.CurrentBalance, total)
	if !check.Sufficient {
		return Intent{}, BalanceCheck{}, &ValidationError{Failures: []Failure{{
			Kind:      FailureInsufficientBalance,
			Shortfall: check.Shortfall,
		}}}
	}

	if d.Existing != nil && sameAsExisting(d, quantity, address, deliveryDate) {
		return Intent{}, BalanceCheck{}, &ValidationError{Failures: []Failure{{
			Kind: FailureNoChanges,
		}}}
	}

	return Intent{
		Quantity:        quantity,
		PricePerUnit:    d.PricePerUnit,
		TotalPrice:      total,
		DeliveryAddress: address,
		DeliveryDate:    deliveryDate,
		AdditionalDates: parseAdditionalDates(d.AdditionalDates, deliveryDate),
		Instructions:    strings.TrimSpace(d.Instructions),
	}, check, nil
}

func sameAsExisting(d Draft, quantity float64, address string, date time.Time) bool {
	e := d.Existing
	return e.Quantity == quantity &&
		strings.TrimSpace(e.DeliveryAddress) == address &&
		sameDate(e.DeliveryDate, date) &&
		strings.TrimSpace(e.Instructions) == strings.TrimSpace(d.Instructions)
}

func parseDate(s string) (time.Time, bool) {
	t, err := time.Parse(DateLayout, strings.TrimSpace(s))
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// parseAdditionalDates собирает множество дополнительных допустимых дат:
// нераспознаваемые и дублирующие основную дату значения отбрасываются.
func parseAdditionalDates(raw []string, primary time.Time) []time.Time {
	seen := make(map[string]struct{}, len(raw))
	var out []time.Time
	for _, s := range raw {
		t, ok := parseDate(s)
		if !ok || sameDate(t, primary) {
			continue
		}
		key := t.Format(DateLayout)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}

func sameDate(a, b time.Time) bool {
	return a.Format(DateLayout) == b.Format(DateLayout)
}

func today() time.Time {
	t, _ := parseDate(time.Now().Format(DateLayout))
	return t
}

// FormatShortfall готовит текст о нехватке баллов для формы.
func FormatShortfall(shortfall int64) string {
	return fmt.Sprintf("not enough points: %d more required", shortfall)
}
