package models

type Camera struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}
