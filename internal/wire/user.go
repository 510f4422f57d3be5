package wire

import "encoding/json"

// Placeholders applied when the backend omits a display field.
const (
	PlaceholderName    = "Unknown User"
	PlaceholderEmail   = "No email"
	PlaceholderRole    = "user"
	PlaceholderCompany = "N/A"
	PlaceholderStatus  = "offline"
)

// User is the canonical directory record for a backend user.
type User struct {
	ID      ID     `json:"userId"`
	Name    string `json:"name"`
	Email   string `json:"email"`
	Role    string `json:"role"`
	Company string `json:"company"`
	Status  string `json:"status"`
}

type rawUser struct {
	ID          ID   `json:"id"`
	UserID      ID   `json:"userId"`
	UserIDSnake ID   `json:"user_id"`
	Name        text `json:"name"`
	FullName    text `json:"fullName"`
	Username    text `json:"username"`
	Email       text `json:"email"`
	Role        text `json:"role"`
	Company     text `json:"company"`
	CompanyName text `json:"companyName"`
	Status      text `json:"status"`
}

// UnmarshalJSON decodes any of the backend's user shapes and fills
// placeholders for missing display fields.
func (u *User) UnmarshalJSON(data []byte) error {
	var raw rawUser
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*u = User{
		ID:      firstID(raw.ID, raw.UserID, raw.UserIDSnake),
		Name:    firstText(raw.Name, raw.FullName, raw.Username),
		Email:   firstText(raw.Email),
		Role:    firstText(raw.Role),
		Company: firstText(raw.Company, raw.CompanyName),
		Status:  firstText(raw.Status),
	}
	u.fillPlaceholders()
	return nil
}

func (u *User) fillPlaceholders() {
	if u.Name == "" {
		u.Name = PlaceholderName
	}
	if u.Email == "" {
		u.Email = PlaceholderEmail
	}
	if u.Role == "" {
		u.Role = PlaceholderRole
	}
	if u.Company == "" {
		u.Company = PlaceholderCompany
	}
	if u.Status == "" {
		u.Status = PlaceholderStatus
	}
}

// DecodeUsers normalizes a users response. It accepts a bare array, an
// object with a "users" array, or an object whose first array-valued field
// (in document order) holds the records. Records that fail to decode or
// carry no id are skipped.
func DecodeUsers(body []byte) ([]User, error) {
	items, err := listElements(body, "users")
	if err != nil {
		return nil, err
	}
	users := make([]User, 0, len(items))
	for _, item := range items {
		var u User
		if err := json.Unmarshal(item, &u); err != nil || u.ID == "" {
			continue
		}
		users = append(users, u)
	}
	return users, nil
}
