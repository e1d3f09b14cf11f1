// Package pricing реализует финансовую модель заказов и офферов:
// расчёт итоговой стоимости в баллах, проверку достаточности баланса
// и вычисление дельты при изменении существующего заказа.
package pricing

import (
	"math"
	"strconv"
	"strings"
)

// ParseQuantity разбирает количество из произвольного текста формы.
// Нераспознаваемый ввод трактуется как 0, а не как ошибка: дальнейшая
// логика показывает «введите количество» вместо сбоя.
func ParseQuantity(s string) float64 {
	q, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || math.IsNaN(q) || math.IsInf(q, 0) {
		return 0
	}
	return q
}

// Total возвращает итоговую стоимость в целых баллах: quantity*pricePerUnit
// с округлением half-up. Неположительное количество или цена дают 0 —
// такой заказ ещё «не оценён», ошибки нет.
func Total(quantity, pricePerUnit float64) int64 {
	if quantity <= 0 || pricePerUnit <= 0 {
		return 0
	}
	return int64(math.Floor(quantity*pricePerUnit + 0.5))
}

// BalanceCheck описывает результат проверки баланса против итоговой стоимости.
type BalanceCheck struct {
	CurrentBalance int64 `json:"current_balance"`
	TotalPrice     int64 `json:"total_price"`
	BalanceAfter   int64 `json:"balance_after"`
	Sufficient     bool  `json:"sufficient"`
	Shortfall      int64 `json:"shortfall"`
}

// Check пересчитывает баланс после списания итоговой стоимости.
// Никогда не завершается ошибкой; нулевая стоимость всегда достаточна.
func Check(currentBalance, totalPrice int64) BalanceCheck {
	after := currentBalance - totalPrice
	c := BalanceCheck{
		CurrentBalance: currentBalance,
		TotalPrice:     totalPrice,
		BalanceAfter:   after,
		Sufficient:     after >= 0,
	}
	if !c.Sufficient {
		c.Shortfall = -after
	}
	return c
}

// ExceedsMax сообщает, превышает ли количество доступный максимум.
// Отсутствующий максимум (nil) означает «без ограничения»; количество,
// равное максимуму, допустимо.
func ExceedsMax(quantity float64, maxAvailable *float64) bool {
	return maxAvailable != nil && quantity > *maxAvailable
}

// ModificationDelta описывает финансовый эффект изменения количества
// в существующем заказе. Списывается или возвращается только дельта,
// а не полная новая стоимость: перезачисление полной суммы обнажило бы
// временное двойное списание при неатомарных операциях.
type ModificationDelta struct {
	OldTotal       int64 `json:"old_total"`
	NewTotal       int64 `json:"new_total"`
	AdditionalCost int64 `json:"additional_cost"`
	RefundAmount   int64 `json:"refund_amount"`
}

// Delta вычисляет дельту эскроу для перехода от oldQuantity к newQuantity
// по неизменной цене за единицу. Чистая функция; newQuantity = 0 даёт
// полный возврат старой стоимости.
func Delta(oldQuantity, newQuantity, pricePerUnit float64) ModificationDelta {
	oldTotal := Total(oldQuantity, pricePerUnit)
	newTotal := Total(newQuantity, pricePerUnit)

	d := ModificationDelta{
		OldTotal: oldTotal,
		NewTotal: newTotal,
	}
	if newTotal > oldTotal {
		d.AdditionalCost = newTotal - oldTotal
	} else {
		d.RefundAmount = oldTotal - newTotal
	}
	return d
}

// Net возвращает подписанную дельту баланса: положительная — возврат,
// отрицательная — дополнительное списание.
func (d ModificationDelta) Net() int64 {
	return d.OldTotal - d.NewTotal
}

// BalanceAfter возвращает баланс после применения дельты к currentBalance.
func (d ModificationDelta) BalanceAfter(currentBalance int64) int64 {
	return currentBalance + d.Net()
}
