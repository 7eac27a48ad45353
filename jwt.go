package coedit

import (
	gojwt "github.com/golang-jwt/jwt/v5"
)

// a project session token carries the identity a peer joins with: the
// project, the session client id, and the display identity shown on locks
// and cursors. verification belongs to the host that issued the token; this
// layer only reads the claims.

type SessionAuth struct {
	ProjectId Id
	ClientId  Id
	UserName  string
	UserColor string
}

func (self *SessionAuth) User() User {
	return User{
		Name:  self.UserName,
		Color: self.UserColor,
	}
}

func ParseSessionAuthUnverified(jwt string) (*SessionAuth, error) {
	parser := gojwt.NewParser()
	token, _, err := parser.ParseUnverified(jwt, gojwt.MapClaims{})
	if err != nil {
		return nil, err
	}

	claims := token.Claims.(gojwt.MapClaims)

	sessionAuth := &SessionAuth{}

	if projectIdStr, ok := claims["project_id"].(string); ok {
		if projectId, err := ParseId(projectIdStr); err == nil {
			sessionAuth.ProjectId = projectId
		}
	}
	if clientIdStr, ok := claims["client_id"].(string); ok {
		if clientId, err := ParseId(clientIdStr); err == nil {
			sessionAuth.ClientId = clientId
		}
	}
	if userName, ok := claims["user_name"].(string); ok {
		sessionAuth.UserName = userName
	}
	if userColor, ok := claims["user_color"].(string); ok {
		sessionAuth.UserColor = userColor
	}

	return sessionAuth, nil
}
