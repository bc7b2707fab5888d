package repository

import "errors"

var (
	// ErrUserNotFound возвращается, если пользователь не найден.
	ErrUserNotFound = errors.New("user not found")
	// ErrTicketNotFound возвращается, если тикет не найден.
	ErrTicketNotFound = errors.New("ticket not found")
	// ErrActiveTicketExists возвращается при попытке открыть второй тикет пользователя.
	ErrActiveTicketExists = errors.New("user already has an open ticket")
	// ErrProductNotFound возвращается, если товар не найден.
	ErrProductNotFound = errors.New("product not found")
	// ErrSaleNotFound возвращается, если продажа не найдена.
	ErrSaleNotFound = errors.New("sale not found")
	// ErrSaleAlreadyCompleted возвращается при повторном завершении продажи.
	ErrSaleAlreadyCompleted = errors.New("sale already completed")
	// ErrSaleCancelled возвращается при попытке завершить отменённую продажу.
	ErrSaleCancelled = errors.New("sale cancelled")
	// ErrSettingNotFound возвращается, если настройка отсутствует.
	ErrSettingNotFound = errors.New("setting not found")
)
